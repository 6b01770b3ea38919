// Package wizard provides the interactive forms used by vkrelay: first-run
// configuration and paired host import.
package wizard

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/charmbracelet/huh"
	"github.com/charmbracelet/lipgloss"
	"github.com/google/uuid"
	"gopkg.in/yaml.v3"

	"github.com/vibekanban/vkrelay/internal/config"
	"github.com/vibekanban/vkrelay/internal/crypto"
	"github.com/vibekanban/vkrelay/internal/keystore"
)

// PassphraseEnv is the variable the generated config reads the keystore
// passphrase from.
const PassphraseEnv = "VKRELAY_PASSPHRASE"

// Result contains the setup wizard output.
type Result struct {
	Config     *config.Config
	ConfigPath string
}

// Wizard manages the interactive forms.
type Wizard struct {
	theme *huh.Theme
}

// New creates a new wizard.
func New() *Wizard {
	return &Wizard{
		theme: huh.ThemeDracula(),
	}
}

// Run executes the interactive setup and writes the resulting config file.
func (w *Wizard) Run() (*Result, error) {
	w.printBanner()

	answers := setupAnswers{
		DataDir:     "./data",
		ConfigPath:  "./vkrelay.yaml",
		BaseURL:     config.Default().API.BaseURL,
		LocalOrigin: config.Default().API.LocalOrigin,
		LogLevel:    "info",
		PersistAuth: true,
	}

	if err := w.askBasicSetup(&answers); err != nil {
		return nil, err
	}
	if err := w.askEndpoints(&answers); err != nil {
		return nil, err
	}
	if err := w.askSecurity(&answers); err != nil {
		return nil, err
	}

	cfg := buildConfig(answers)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if err := writeConfig(cfg, answers.ConfigPath); err != nil {
		return nil, err
	}

	w.printSummary(answers.ConfigPath, cfg)
	return &Result{Config: cfg, ConfigPath: answers.ConfigPath}, nil
}

type setupAnswers struct {
	DataDir     string
	ConfigPath  string
	BaseURL     string
	LocalOrigin string
	LogLevel    string
	PersistAuth bool
	SealKeys    bool
	Metrics     bool
}

func (w *Wizard) printBanner() {
	banner := lipgloss.NewStyle().
		Bold(true).
		Foreground(lipgloss.Color("212")).
		Render("\n  vkrelay")

	subtitle := lipgloss.NewStyle().
		Foreground(lipgloss.Color("241")).
		Render("  Relay client for paired Vibe Kanban hosts - Setup\n")

	fmt.Println(banner)
	fmt.Println(subtitle)
}

func (w *Wizard) askBasicSetup(a *setupAnswers) error {
	form := huh.NewForm(
		huh.NewGroup(
			huh.NewNote().
				Title("Basic Setup").
				Description("Where vkrelay keeps its configuration and state."),

			huh.NewInput().
				Title("Data Directory").
				Description("Paired hosts and tokens are stored here").
				Placeholder("./data").
				Value(&a.DataDir).
				Validate(required("data directory")),

			huh.NewInput().
				Title("Config File Path").
				Placeholder("./vkrelay.yaml").
				Value(&a.ConfigPath).
				Validate(validateConfigPath),

			huh.NewSelect[string]().
				Title("Log Level").
				Options(
					huh.NewOption("Debug", "debug"),
					huh.NewOption("Info", "info"),
					huh.NewOption("Warn", "warn"),
					huh.NewOption("Error", "error"),
				).
				Value(&a.LogLevel),
		),
	).WithTheme(w.theme)

	return form.Run()
}

func (w *Wizard) askEndpoints(a *setupAnswers) error {
	form := huh.NewForm(
		huh.NewGroup(
			huh.NewNote().
				Title("Endpoints").
				Description("The cloud API issues relay sessions; the local origin serves unrelayed requests."),

			huh.NewInput().
				Title("API Base URL").
				Value(&a.BaseURL).
				Validate(validateOrigin),

			huh.NewInput().
				Title("Local Origin").
				Value(&a.LocalOrigin).
				Validate(validateOrigin),
		),
	).WithTheme(w.theme)

	return form.Run()
}

func (w *Wizard) askSecurity(a *setupAnswers) error {
	form := huh.NewForm(
		huh.NewGroup(
			huh.NewConfirm().
				Title("Persist API tokens?").
				Description("Store the access and refresh token under the data directory").
				Value(&a.PersistAuth),

			huh.NewConfirm().
				Title("Seal paired host keys?").
				Description(fmt.Sprintf("Encrypt private keys at rest with the passphrase in $%s", PassphraseEnv)).
				Value(&a.SealKeys),

			huh.NewConfirm().
				Title("Enable metrics?").
				Value(&a.Metrics),
		),
	).WithTheme(w.theme)

	return form.Run()
}

func buildConfig(a setupAnswers) *config.Config {
	cfg := config.Default()

	cfg.DataDir = a.DataDir
	cfg.Log.Level = a.LogLevel
	cfg.Log.Format = "text"
	cfg.API.BaseURL = strings.TrimRight(a.BaseURL, "/")
	cfg.API.LocalOrigin = strings.TrimRight(a.LocalOrigin, "/")

	if a.PersistAuth {
		cfg.Auth.TokenFile = filepath.Join(a.DataDir, "tokens.json")
		cfg.Auth.LockFile = filepath.Join(a.DataDir, "tokens.lock")
	} else {
		cfg.Auth.TokenFile = ""
		cfg.Auth.LockFile = ""
	}

	if a.SealKeys {
		cfg.Keystore.Passphrase = "${" + PassphraseEnv + "}"
	}

	cfg.Metrics.Enabled = a.Metrics
	return cfg
}

func writeConfig(cfg *config.Config, path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	header := "# vkrelay configuration\n# Generated by vkrelay init\n\n"
	if err := os.WriteFile(path, []byte(header+string(data)), 0600); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}
	return nil
}

func (w *Wizard) printSummary(configPath string, cfg *config.Config) {
	style := lipgloss.NewStyle().
		Bold(true).
		Foreground(lipgloss.Color("42"))

	divider := lipgloss.NewStyle().
		Foreground(lipgloss.Color("241")).
		Render("─────────────────────────────────────────────────")

	fmt.Println()
	fmt.Println(divider)
	fmt.Println(style.Render("✓ Setup Complete!"))
	fmt.Println(divider)
	fmt.Println()

	fmt.Printf("  Config file:  %s\n", configPath)
	fmt.Printf("  Data dir:     %s\n", cfg.DataDir)
	fmt.Printf("  API:          %s\n", cfg.API.BaseURL)
	if cfg.Auth.TokenFile != "" {
		fmt.Printf("  Tokens:       %s\n", cfg.Auth.TokenFile)
	}
	if cfg.Keystore.Passphrase != "" {
		fmt.Printf("  Host keys:    sealed with $%s\n", PassphraseEnv)
	}

	fmt.Println()
	fmt.Println("  Next, pair a host:")
	fmt.Printf("    vkrelay -c %s hosts import\n", configPath)
	fmt.Println()
}

// HostImport holds the raw answers of the host import form.
type HostImport struct {
	HostID           string
	Name             string
	SigningSessionID string
	PrivateKeyJWK    string
}

// ImportHost asks for a paired host's credentials and returns the host ready
// to be stored.
func (w *Wizard) ImportHost() (keystore.PairedRelayHost, error) {
	var in HostImport

	form := huh.NewForm(
		huh.NewGroup(
			huh.NewNote().
				Title("Import Paired Host").
				Description("Paste the credentials shown when the host was paired."),

			huh.NewInput().
				Title("Host ID").
				Value(&in.HostID).
				Validate(required("host id")),

			huh.NewInput().
				Title("Name").
				Description("Optional display name").
				Value(&in.Name),

			huh.NewInput().
				Title("Signing Session ID").
				Value(&in.SigningSessionID).
				Validate(validateSessionID),

			huh.NewText().
				Title("Private Key (JWK)").
				Description(`{"kty":"OKP","crv":"Ed25519","x":"...","d":"..."}`).
				Lines(4).
				Value(&in.PrivateKeyJWK).
				Validate(func(s string) error {
					_, err := parseJWK(s)
					return err
				}),
		),
	).WithTheme(w.theme)

	if err := form.Run(); err != nil {
		return keystore.PairedRelayHost{}, err
	}
	return in.Host(time.Now())
}

// Host converts the answers into a validated paired host.
func (in HostImport) Host(now time.Time) (keystore.PairedRelayHost, error) {
	jwk, err := parseJWK(in.PrivateKeyJWK)
	if err != nil {
		return keystore.PairedRelayHost{}, err
	}
	host := keystore.PairedRelayHost{
		HostID:           strings.TrimSpace(in.HostID),
		Name:             strings.TrimSpace(in.Name),
		SigningSessionID: strings.TrimSpace(in.SigningSessionID),
		PrivateKeyJWK:    jwk,
		PairedAt:         now.UTC(),
	}
	if err := host.Validate(); err != nil {
		return keystore.PairedRelayHost{}, err
	}
	return host, nil
}

func parseJWK(s string) (crypto.JWK, error) {
	var jwk crypto.JWK
	if err := json.Unmarshal([]byte(strings.TrimSpace(s)), &jwk); err != nil {
		return crypto.JWK{}, fmt.Errorf("private key must be a JSON web key: %w", err)
	}
	if _, err := jwk.PrivateKey(); err != nil {
		return crypto.JWK{}, err
	}
	return jwk, nil
}

func required(what string) func(string) error {
	return func(s string) error {
		if strings.TrimSpace(s) == "" {
			return fmt.Errorf("%s is required", what)
		}
		return nil
	}
}

func validateConfigPath(s string) error {
	if s == "" {
		return errors.New("config path is required")
	}
	if !strings.HasSuffix(s, ".yaml") && !strings.HasSuffix(s, ".yml") {
		return errors.New("config file should have .yaml or .yml extension")
	}
	return nil
}

func validateOrigin(s string) error {
	u, err := url.Parse(strings.TrimSpace(s))
	if err != nil || u.Host == "" || (u.Scheme != "http" && u.Scheme != "https") {
		return errors.New("must be an http or https URL")
	}
	return nil
}

// An empty signing session id marks an outdated pairing, which can still be
// imported and re-paired later.
func validateSessionID(s string) error {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil
	}
	if _, err := uuid.Parse(s); err != nil {
		return errors.New("signing session id must be a UUID")
	}
	return nil
}
