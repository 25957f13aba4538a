package credential

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/seanblong/dbassist/internal/ai"
)

func init() {
	// Suppress logs during testing
	zerolog.SetGlobalLevel(zerolog.Disabled)
}

// MockChecker implements ai.Checker for testing
type MockChecker struct {
	CheckFunc func(ctx context.Context) error
}

func (m *MockChecker) Check(ctx context.Context) error {
	if m.CheckFunc != nil {
		return m.CheckFunc(ctx)
	}
	return nil
}

func TestValidator_Validate(t *testing.T) {
	tests := []struct {
		name       string
		secret     string
		factoryErr error
		checkErr   error
		wantValid  bool
		wantMsg    string
		wantCheck  bool
	}{
		{name: "empty", secret: "", wantMsg: EmptyKeyMsg},
		{name: "whitespace", secret: "  ", wantMsg: EmptyKeyMsg},
		{name: "valid", secret: "good-key", wantValid: true, wantCheck: true},
		{
			name:      "rejected",
			secret:    "bad-key",
			checkErr:  errors.Join(ai.ErrUnauthorized, errors.New("API key not valid")),
			wantMsg:   "invalid API key",
			wantCheck: true,
		},
		{
			name:      "network failure",
			secret:    "key",
			checkErr:  errors.New("dial tcp: i/o timeout"),
			wantMsg:   "i/o timeout",
			wantCheck: true,
		},
		{name: "init failure", secret: "key", factoryErr: errors.New("unsupported provider"), wantMsg: "unsupported provider"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			built, checked := false, false
			v := &Validator{NewChecker: func(ctx context.Context, secret string) (ai.Checker, error) {
				built = true
				if secret != tt.secret {
					t.Errorf("Expected secret %q, got %q", tt.secret, secret)
				}
				if tt.factoryErr != nil {
					return nil, tt.factoryErr
				}
				return &MockChecker{CheckFunc: func(ctx context.Context) error {
					checked = true
					return tt.checkErr
				}}, nil
			}}

			ok, msg := v.Validate(context.Background(), tt.secret)
			if ok != tt.wantValid {
				t.Errorf("Expected valid=%v, got %v (%s)", tt.wantValid, ok, msg)
			}
			if !strings.Contains(msg, tt.wantMsg) {
				t.Errorf("Expected message containing %q, got %q", tt.wantMsg, msg)
			}
			if tt.wantValid && msg != "" {
				t.Errorf("Expected empty message for valid key, got %q", msg)
			}
			if checked != tt.wantCheck {
				t.Errorf("Expected check=%v, got %v", tt.wantCheck, checked)
			}
			if tt.wantMsg == EmptyKeyMsg && built {
				t.Error("Expected no client to be built for an empty key")
			}
		})
	}
}

func TestNewValidator_StubProvider(t *testing.T) {
	v := NewValidator(ai.ClientConfig{Provider: ai.ProviderStub})
	ok, msg := v.Validate(context.Background(), "anything")
	if !ok || msg != "" {
		t.Errorf("Expected stub provider to accept key, got %v %q", ok, msg)
	}
}

func TestPersist(t *testing.T) {
	tests := []struct {
		name     string
		existing *string
		want     []string
	}{
		{
			name: "creates file",
			want: []string{`GOOGLE_API_KEY="new-key"`},
		},
		{
			name:     "appends to existing",
			existing: strPtr("# settings\nDBASSIST_TOP_K=4\n"),
			want:     []string{"# settings", "DBASSIST_TOP_K=4", `GOOGLE_API_KEY="new-key"`},
		},
		{
			name:     "replaces in place",
			existing: strPtr("A=1\nGOOGLE_API_KEY = \"old\"\nB=2\nexport GOOGLE_API_KEY=older\n"),
			want:     []string{"A=1", `GOOGLE_API_KEY="new-key"`, "B=2"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), ".env")
			if tt.existing != nil {
				if err := os.WriteFile(path, []byte(*tt.existing), 0o644); err != nil {
					t.Fatal(err)
				}
			}
			if err := Persist(path, "", "new-key"); err != nil {
				t.Fatalf("Persist failed: %v", err)
			}

			raw, err := os.ReadFile(path)
			if err != nil {
				t.Fatal(err)
			}
			got := strings.Split(strings.TrimRight(string(raw), "\n"), "\n")
			if strings.Join(got, "\n") != strings.Join(tt.want, "\n") {
				t.Errorf("Expected lines %q, got %q", tt.want, got)
			}

			env, err := godotenv.Read(path)
			if err != nil {
				t.Fatalf("godotenv.Read failed: %v", err)
			}
			if env[DefaultKeyName] != "new-key" {
				t.Errorf("Expected key to round-trip, got %q", env[DefaultKeyName])
			}
		})
	}
}

func strPtr(s string) *string { return &s }
