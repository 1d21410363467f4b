package settings

import (
	"fmt"
	"os"
	"strings"

	zkr "github.com/zalando/go-keyring"
)

const keyringService = "dispatchd"

// keyringDisabledEnv opts a headless/CI/Docker host out of probing the OS
// keychain at all, the same escape hatch the teacher's keyring package
// offers.
const keyringDisabledEnv = "DISPATCHD_KEYRING_DISABLED"

// KeyringAvailable probes whether the OS keychain is usable, by doing a
// real write/delete cycle against a throwaway account. Probing
// beats checking GOOS, since headless Linux frequently has no secret
// service running even though the keyring package compiles fine there.
func KeyringAvailable() bool {
	if os.Getenv(keyringDisabledEnv) == "1" {
		return false
	}
	const probeAccount = "probe"
	if err := zkr.Set(keyringService, probeAccount, "ok"); err != nil {
		return false
	}
	_ = zkr.Delete(keyringService, probeAccount)
	return true
}

// GetSecret resolves an executable's API key by ref. When the OS
// keychain is unavailable it falls back to the environment variable
// DISPATCHD_<REF>_API_KEY, so headless deployments still work without a
// secret service.
func GetSecret(ref string) (string, error) {
	if ref == "" {
		return "", fmt.Errorf("settings: empty secret ref")
	}
	if KeyringAvailable() {
		secret, err := zkr.Get(keyringService, ref)
		if err == nil {
			return secret, nil
		}
		if err != zkr.ErrNotFound {
			return "", fmt.Errorf("settings: keyring get %s: %w", ref, err)
		}
	}
	envKey := "DISPATCHD_" + strings.ToUpper(ref) + "_API_KEY"
	if v := os.Getenv(envKey); v != "" {
		return v, nil
	}
	return "", fmt.Errorf("settings: no secret found for ref %q (checked keyring and %s)", ref, envKey)
}

// SetSecret stores an executable's API key under ref in the OS keychain.
func SetSecret(ref, value string) error {
	if !KeyringAvailable() {
		return fmt.Errorf("settings: OS keychain unavailable, set %s instead", "DISPATCHD_"+strings.ToUpper(ref)+"_API_KEY")
	}
	return zkr.Set(keyringService, ref, value)
}

// DeleteSecret removes ref from the OS keychain.
func DeleteSecret(ref string) error {
	return zkr.Delete(keyringService, ref)
}
