package keystore

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/vibekanban/vkrelay/internal/crypto"
)

const testSessionID = "6f1c2a7e-0b5d-4c1e-9a3f-2d8e7b6c5a41"

func newTestHost(t *testing.T, hostID string) PairedRelayHost {
	t.Helper()
	jwk, _, err := crypto.GenerateJWK()
	if err != nil {
		t.Fatalf("GenerateJWK() error = %v", err)
	}
	return PairedRelayHost{
		HostID:           hostID,
		Name:             "workstation",
		SigningSessionID: testSessionID,
		PrivateKeyJWK:    jwk,
	}
}

func TestPairedRelayHost_Validate(t *testing.T) {
	base := newTestHost(t, "host-1")

	tests := []struct {
		name    string
		mutate  func(h *PairedRelayHost)
		wantErr bool
	}{
		{name: "valid", mutate: func(h *PairedRelayHost) {}},
		{name: "outdated pairing is storable", mutate: func(h *PairedRelayHost) { h.SigningSessionID = "" }},
		{name: "missing host id", mutate: func(h *PairedRelayHost) { h.HostID = " " }, wantErr: true},
		{name: "session id not a uuid", mutate: func(h *PairedRelayHost) { h.SigningSessionID = "abc" }, wantErr: true},
		{name: "corrupt key", mutate: func(h *PairedRelayHost) { h.PrivateKeyJWK.D = "!!" }, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := base
			tt.mutate(&h)
			err := h.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestPairedRelayHost_Credentials(t *testing.T) {
	h := newTestHost(t, "host-1")
	creds := h.Credentials()
	if creds.HostID != "host-1" || creds.SigningSessionID != testSessionID {
		t.Errorf("Credentials() = %+v", creds)
	}
	if creds.PrivateKey != h.PrivateKeyJWK {
		t.Error("Credentials() did not carry the private key")
	}
}

func TestPairedRelayHost_DisplayName(t *testing.T) {
	h := PairedRelayHost{HostID: "host-1"}
	if got := h.DisplayName(); got != "host-1" {
		t.Errorf("DisplayName() = %q, want host-1", got)
	}
	h.Name = "laptop"
	if got := h.DisplayName(); got != "laptop" {
		t.Errorf("DisplayName() = %q, want laptop", got)
	}
}

// storeContract runs the behavior every Store implementation shares.
func storeContract(t *testing.T, s interface {
	Store
	ActiveHostStore
}) {
	t.Helper()
	ctx := context.Background()

	if _, err := s.Get(ctx, "missing"); !errors.Is(err, ErrHostNotPaired) {
		t.Errorf("Get(missing) error = %v, want ErrHostNotPaired", err)
	}

	h1 := newTestHost(t, "host-b")
	h2 := newTestHost(t, "host-a")
	h2.Name = "Cafe\u0301 box "
	for _, h := range []PairedRelayHost{h1, h2} {
		if err := s.Put(ctx, h); err != nil {
			t.Fatalf("Put(%s) error = %v", h.HostID, err)
		}
	}

	got, err := s.Get(ctx, "host-a")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if got.Name != "Caf\u00e9 box" {
		t.Errorf("Name = %q, want NFC-normalized %q", got.Name, "Caf\u00e9 box")
	}
	if got.PairedAt.IsZero() {
		t.Error("PairedAt was not set")
	}
	if got.PrivateKeyJWK != h2.PrivateKeyJWK {
		t.Error("private key did not round-trip")
	}

	list, err := s.List(ctx)
	if err != nil {
		t.Fatalf("List() error = %v", err)
	}
	if len(list) != 2 || list[0].HostID != "host-a" || list[1].HostID != "host-b" {
		t.Errorf("List() = %v, want host-a, host-b", list)
	}

	// Re-pairing replaces the record.
	h1.SigningSessionID = "0a9b8c7d-6e5f-4a3b-2c1d-0e9f8a7b6c5d"
	if err := s.Put(ctx, h1); err != nil {
		t.Fatalf("Put(replace) error = %v", err)
	}
	got, _ = s.Get(ctx, "host-b")
	if got.SigningSessionID != h1.SigningSessionID {
		t.Errorf("SigningSessionID = %q, want %q", got.SigningSessionID, h1.SigningSessionID)
	}
	if list, _ := s.List(ctx); len(list) != 2 {
		t.Errorf("List() after replace has %d hosts, want 2", len(list))
	}

	if err := s.SetActiveHost(ctx, "host-b"); err != nil {
		t.Fatalf("SetActiveHost() error = %v", err)
	}
	if active, _ := s.ActiveHost(ctx); active != "host-b" {
		t.Errorf("ActiveHost() = %q, want host-b", active)
	}

	if err := s.Remove(ctx, "host-b"); err != nil {
		t.Fatalf("Remove() error = %v", err)
	}
	if _, err := s.Get(ctx, "host-b"); !errors.Is(err, ErrHostNotPaired) {
		t.Errorf("Get(removed) error = %v, want ErrHostNotPaired", err)
	}
	if active, _ := s.ActiveHost(ctx); active != "" {
		t.Errorf("ActiveHost() after removing it = %q, want empty", active)
	}

	bad := newTestHost(t, "host-c")
	bad.SigningSessionID = "not-a-uuid"
	if err := s.Put(ctx, bad); err == nil {
		t.Error("Put() accepted an invalid signing session id")
	}
}

func TestMemoryStore(t *testing.T) {
	storeContract(t, NewMemoryStore())
}

func TestFileStore(t *testing.T) {
	storeContract(t, NewFileStore(t.TempDir(), ""))
}

func TestFileStore_SealedKeys(t *testing.T) {
	if testing.Short() {
		t.Skip("scrypt is slow")
	}
	ctx := context.Background()
	dir := t.TempDir()
	host := newTestHost(t, "host-1")

	s := NewFileStore(dir, "correct horse")
	if err := s.Put(ctx, host); err != nil {
		t.Fatalf("Put() error = %v", err)
	}

	data, err := os.ReadFile(s.Path())
	if err != nil {
		t.Fatalf("ReadFile() error = %v", err)
	}
	if strings.Contains(string(data), host.PrivateKeyJWK.D) {
		t.Error("sealed store contains the private key in the clear")
	}
	if !strings.Contains(string(data), "sealed_key") {
		t.Error("sealed store has no sealed_key field")
	}

	got, err := NewFileStore(dir, "correct horse").Get(ctx, "host-1")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if got.PrivateKeyJWK != host.PrivateKeyJWK {
		t.Error("sealed private key did not round-trip")
	}

	if _, err := NewFileStore(dir, "wrong").Get(ctx, "host-1"); !errors.Is(err, crypto.ErrDecryptionFailed) {
		t.Errorf("Get() with wrong passphrase error = %v, want ErrDecryptionFailed", err)
	}
	if _, err := NewFileStore(dir, "").Get(ctx, "host-1"); !errors.Is(err, ErrLocked) {
		t.Errorf("Get() without passphrase error = %v, want ErrLocked", err)
	}

	// Metadata stays readable while locked.
	if active, err := NewFileStore(dir, "").ActiveHost(ctx); err != nil || active != "" {
		t.Errorf("ActiveHost() = %q, %v", active, err)
	}
}

func TestFileStore_SealedKeysOpenedOnce(t *testing.T) {
	if testing.Short() {
		t.Skip("scrypt is slow")
	}
	ctx := context.Background()
	dir := t.TempDir()
	host := newTestHost(t, "host-1")

	countOpens := func(s *FileStore) *int {
		n := 0
		s.open = func(passphrase string, env *crypto.Envelope, aad []byte) ([]byte, error) {
			n++
			return crypto.Open(passphrase, env, aad)
		}
		return &n
	}

	writer := NewFileStore(dir, "correct horse")
	writerOpens := countOpens(writer)
	if err := writer.Put(ctx, host); err != nil {
		t.Fatalf("Put() error = %v", err)
	}
	for i := 0; i < 5; i++ {
		if _, err := writer.Get(ctx, "host-1"); err != nil {
			t.Fatalf("Get() error = %v", err)
		}
	}
	if *writerOpens != 0 {
		t.Errorf("writer opened %d envelopes, want 0", *writerOpens)
	}

	reader := NewFileStore(dir, "correct horse")
	readerOpens := countOpens(reader)
	for i := 0; i < 5; i++ {
		got, err := reader.Get(ctx, "host-1")
		if err != nil {
			t.Fatalf("Get() error = %v", err)
		}
		if got.PrivateKeyJWK != host.PrivateKeyJWK {
			t.Fatal("sealed private key did not round-trip")
		}
	}
	if _, err := reader.List(ctx); err != nil {
		t.Fatalf("List() error = %v", err)
	}
	if *readerOpens != 1 {
		t.Errorf("reader opened %d envelopes over 6 reads, want 1", *readerOpens)
	}

	// Re-pairing through another store instance changes the record on disk.
	repaired := newTestHost(t, "host-1")
	if err := writer.Put(ctx, repaired); err != nil {
		t.Fatalf("Put(repaired) error = %v", err)
	}
	got, err := reader.Get(ctx, "host-1")
	if err != nil {
		t.Fatalf("Get() after re-pair error = %v", err)
	}
	if got.PrivateKeyJWK != repaired.PrivateKeyJWK {
		t.Error("Get() returned the key of the replaced pairing")
	}
	if *readerOpens != 2 {
		t.Errorf("reader opened %d envelopes after re-pair, want 2", *readerOpens)
	}

	if err := reader.Remove(ctx, "host-1"); err != nil {
		t.Fatalf("Remove() error = %v", err)
	}
	if _, err := reader.Get(ctx, "host-1"); !errors.Is(err, ErrHostNotPaired) {
		t.Errorf("Get(removed) error = %v, want ErrHostNotPaired", err)
	}
}

func TestFileStore_Permissions(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "nested", "data")
	s := NewFileStore(dir, "")
	if err := s.Put(context.Background(), newTestHost(t, "host-1")); err != nil {
		t.Fatalf("Put() error = %v", err)
	}

	info, err := os.Stat(s.Path())
	if err != nil {
		t.Fatalf("Stat() error = %v", err)
	}
	if perm := info.Mode().Perm(); perm != 0600 {
		t.Errorf("file mode = %o, want 0600", perm)
	}
	if _, err := os.Stat(s.Path() + ".tmp"); !os.IsNotExist(err) {
		t.Error("temp file left behind after save")
	}
}

func TestFileStore_CorruptFile(t *testing.T) {
	dir := t.TempDir()
	s := NewFileStore(dir, "")
	if err := os.WriteFile(s.Path(), []byte("{not json"), 0600); err != nil {
		t.Fatal(err)
	}
	if _, err := s.List(context.Background()); err == nil {
		t.Error("List() on corrupt file returned no error")
	}
}
