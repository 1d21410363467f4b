package main

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/dispatchd/dispatchd/internal/settings"
	"github.com/dispatchd/dispatchd/internal/store"
)

func newDoctorCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "doctor",
		Short: "check config, database, and executable health",
		Long: `doctor runs diagnostics on a dispatchd installation:

  - config file presence and parseability
  - keyring availability and executable secret references
  - database reachability and schema version
  - configured executables (process lookups, API keys)

Exits non-zero if any check reports an error.`,
		RunE: runDoctor,
	}
}

type checkResult struct {
	name    string
	status  string // "ok", "warn", "error"
	message string
}

func runDoctor(cmd *cobra.Command, args []string) error {
	fmt.Println("dispatchd doctor")
	fmt.Println("================")
	fmt.Println()

	var results []checkResult
	results = append(results, checkConfig()...)

	cfg, cfgErr := settings.NewService(configPath)
	if cfgErr == nil {
		results = append(results, checkExecutables(cfg.Get())...)
	} else {
		results = append(results, checkResult{"Config File", "error", cfgErr.Error()})
	}

	results = append(results, checkDatabase(cfg, cfgErr)...)
	results = append(results, checkTools()...)

	okCount, warnCount, errCount := 0, 0, 0
	for _, r := range results {
		switch r.status {
		case "ok":
			fmt.Printf("[ok]   %s: %s\n", r.name, r.message)
			okCount++
		case "warn":
			fmt.Printf("[warn] %s: %s\n", r.name, r.message)
			warnCount++
		case "error":
			fmt.Printf("[fail] %s: %s\n", r.name, r.message)
			errCount++
		}
	}

	fmt.Println()
	fmt.Printf("%d passed, %d warnings, %d errors\n", okCount, warnCount, errCount)

	if errCount > 0 {
		os.Exit(1)
	}
	return nil
}

func checkConfig() []checkResult {
	var results []checkResult

	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		results = append(results, checkResult{"Config File", "warn", configPath + " not found, defaults will be used"})
	} else if err != nil {
		results = append(results, checkResult{"Config File", "error", err.Error()})
	} else {
		results = append(results, checkResult{"Config File", "ok", configPath})
	}

	if settings.KeyringAvailable() {
		results = append(results, checkResult{"Keyring", "ok", "OS keychain available"})
	} else {
		results = append(results, checkResult{"Keyring", "warn", "OS keychain unavailable; secrets must be provided via environment variables"})
	}

	return results
}

func checkExecutables(cfg settings.FileConfig) []checkResult {
	var results []checkResult

	if len(cfg.Executables) == 0 {
		results = append(results, checkResult{"Executables", "warn", "no executables configured"})
		return results
	}

	for _, execCfg := range cfg.Executables {
		switch execCfg.Kind {
		case "anthropic", "openai":
			if _, err := settings.GetSecret(execCfg.APIKeyRef); err != nil {
				results = append(results, checkResult{
					fmt.Sprintf("Executable: %s", execCfg.Name), "error",
					fmt.Sprintf("secret %q unavailable: %v", execCfg.APIKeyRef, err),
				})
				continue
			}
			results = append(results, checkResult{fmt.Sprintf("Executable: %s", execCfg.Name), "ok", fmt.Sprintf("%s, model %s", execCfg.Kind, execCfg.Model)})
		case "process":
			if _, err := exec.LookPath(execCfg.Command); err != nil {
				results = append(results, checkResult{
					fmt.Sprintf("Executable: %s", execCfg.Name), "error",
					fmt.Sprintf("%q not found in PATH", execCfg.Command),
				})
				continue
			}
			results = append(results, checkResult{fmt.Sprintf("Executable: %s", execCfg.Name), "ok", execCfg.Command})
		default:
			results = append(results, checkResult{fmt.Sprintf("Executable: %s", execCfg.Name), "error", fmt.Sprintf("unknown kind %q", execCfg.Kind)})
		}
	}

	return results
}

func checkDatabase(cfg *settings.Service, cfgErr error) []checkResult {
	var results []checkResult

	resolvedDataDir := dataDir
	if resolvedDataDir == "" && cfgErr == nil {
		resolvedDataDir = cfg.Get().DataDir
	}
	if resolvedDataDir == "" {
		results = append(results, checkResult{"Database", "warn", "no data directory configured"})
		return results
	}

	dbPath := filepath.Join(resolvedDataDir, "dispatchd.db")
	s, err := store.Open(dbPath)
	if err != nil {
		results = append(results, checkResult{"Database", "error", err.Error()})
		return results
	}
	defer s.Close()

	version, err := s.SchemaVersion()
	if err != nil {
		results = append(results, checkResult{"Database", "error", fmt.Sprintf("schema version: %v", err)})
		return results
	}

	results = append(results, checkResult{"Database", "ok", fmt.Sprintf("%s, schema version %d", dbPath, version)})
	return results
}

func checkTools() []checkResult {
	var results []checkResult

	for _, tool := range []string{"git"} {
		if _, err := exec.LookPath(tool); err != nil {
			results = append(results, checkResult{fmt.Sprintf("Tool: %s", tool), "warn", "not found in PATH; worktree management requires it"})
		} else {
			results = append(results, checkResult{fmt.Sprintf("Tool: %s", tool), "ok", "found"})
		}
	}

	return results
}
