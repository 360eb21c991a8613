package job

import (
	"sync"
	"time"
)

// Credentials are short-lived cloud credentials obtained for one job.
type Credentials struct {
	AccessKeyID     string
	SecretAccessKey string
	SessionToken    string
	Expiration      time.Time
}

// Environ returns the credentials as environment variables for CLI tools.
func (c Credentials) Environ(region string) map[string]string {
	env := map[string]string{
		"AWS_ACCESS_KEY_ID":     c.AccessKeyID,
		"AWS_SECRET_ACCESS_KEY": c.SecretAccessKey,
		"AWS_REGION":            region,
		"AWS_DEFAULT_REGION":    region,
	}
	if c.SessionToken != "" {
		env["AWS_SESSION_TOKEN"] = c.SessionToken
	}
	return env
}

// Vault holds per-job credentials in memory only. Entries must be erased
// when the owning job reaches a terminal state.
type Vault struct {
	mu    sync.Mutex
	creds map[string]Credentials
}

// NewVault creates an empty vault.
func NewVault() *Vault {
	return &Vault{creds: make(map[string]Credentials)}
}

// Put stores credentials for jobID, replacing any previous entry.
func (v *Vault) Put(jobID string, c Credentials) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.creds[jobID] = c
}

// Get returns the credentials held for jobID.
func (v *Vault) Get(jobID string) (Credentials, bool) {
	v.mu.Lock()
	defer v.mu.Unlock()
	c, ok := v.creds[jobID]
	return c, ok
}

// Erase drops the credentials for jobID. Erasing an absent entry is a no-op.
func (v *Vault) Erase(jobID string) {
	v.mu.Lock()
	defer v.mu.Unlock()
	delete(v.creds, jobID)
}

// Len returns the number of jobs holding credentials.
func (v *Vault) Len() int {
	v.mu.Lock()
	defer v.mu.Unlock()
	return len(v.creds)
}
