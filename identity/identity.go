// Package identity resolves the running process's own vault key and
// records its boot history. Grounded on cmd/nhb/main.go's key-loading
// flow (keystore file, or an env-var-supplied raw key for KMS-style
// deployments) and storage/db.go's Database interface, which until now
// had no caller outside the teacher's dropped consensus/state layer.
package identity

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/nhbvault/agentd/crypto"
	"github.com/nhbvault/agentd/storage"
)

const recordKey = "identity/record"

// Record is the persisted boot history for this agent process, stored as a
// single JSON-encoded value under recordKey.
type Record struct {
	AIName      string    `json:"ai_name"`
	AIWallet    string    `json:"ai_wallet"`
	ChainIDs    []string  `json:"chain_ids"`
	BootCount   int       `json:"boot_count"`
	FirstBootAt time.Time `json:"first_boot_at"`
	LastBootAt  time.Time `json:"last_boot_at"`
}

// KeySource describes how to obtain the agent's private key: exactly one
// of KeystorePath or EnvVar should be set, mirroring the teacher's
// keystore-file-or-KMS-env split in loadValidatorKey/loadFromKMS.
type KeySource struct {
	KeystorePath       string
	KeystorePassphrase func() (string, error)
	EnvVar             string
}

// LoadKey resolves the private key from whichever source is configured.
func LoadKey(src KeySource) (*crypto.PrivateKey, error) {
	if env := strings.TrimSpace(src.EnvVar); env != "" {
		value, ok := os.LookupEnv(env)
		if !ok {
			return nil, fmt.Errorf("identity: environment variable %q not set", env)
		}
		return parsePrivateKeyHex(value)
	}
	if src.KeystorePath == "" {
		return nil, fmt.Errorf("identity: no key source configured")
	}
	if src.KeystorePassphrase == nil {
		return nil, fmt.Errorf("identity: keystore passphrase resolver required")
	}
	passphrase, err := src.KeystorePassphrase()
	if err != nil {
		return nil, fmt.Errorf("identity: resolve keystore passphrase: %w", err)
	}
	if strings.TrimSpace(passphrase) == "" {
		return nil, fmt.Errorf("identity: keystore passphrase cannot be empty")
	}
	key, err := crypto.LoadFromKeystore(src.KeystorePath, passphrase)
	if err != nil {
		return nil, fmt.Errorf("identity: decrypt keystore %s: %w", src.KeystorePath, err)
	}
	return key, nil
}

func parsePrivateKeyHex(material string) (*crypto.PrivateKey, error) {
	trimmed := strings.TrimPrefix(strings.TrimSpace(material), "0x")
	if trimmed == "" {
		return nil, fmt.Errorf("identity: empty private key material")
	}
	raw, err := hex.DecodeString(trimmed)
	if err != nil {
		return nil, fmt.Errorf("identity: decode hex private key: %w", err)
	}
	return crypto.PrivateKeyFromBytes(raw)
}

// LoadOrCreateRecord reads the boot record for (aiName, chainIDs) from db,
// or creates one on first boot, then increments BootCount and stamps
// LastBootAt before persisting. now is injectable so tests can control the
// timestamp.
func LoadOrCreateRecord(db storage.Database, aiName string, wallet crypto.Address, chainIDs []string, now func() time.Time) (Record, error) {
	if now == nil {
		now = time.Now
	}
	t := now().UTC()

	var rec Record
	raw, err := db.Get([]byte(recordKey))
	if err != nil || len(raw) == 0 {
		rec = Record{
			AIName:      aiName,
			AIWallet:    wallet.String(),
			ChainIDs:    append([]string(nil), chainIDs...),
			BootCount:   0,
			FirstBootAt: t,
		}
	} else if err := json.Unmarshal(raw, &rec); err != nil {
		return Record{}, fmt.Errorf("identity: decode boot record: %w", err)
	}

	rec.BootCount++
	rec.LastBootAt = t

	encoded, err := json.Marshal(rec)
	if err != nil {
		return Record{}, fmt.Errorf("identity: encode boot record: %w", err)
	}
	if err := db.Put([]byte(recordKey), encoded); err != nil {
		return Record{}, fmt.Errorf("identity: persist boot record: %w", err)
	}
	return rec, nil
}
