package consts

import (
	"os"
	"path/filepath"
)

const (
	AppDirName         = ".p3394agent"
	ConfigFileName     = "config.yaml"
	DefaultWorkspaceID = "default"
	SkillsDirName      = "skills"

	StoragePathEnvVar = "P3394_STORAGE_PATH"
	LogLevelEnvVar    = "P3394_LOG_LEVEL"
	EnforceAuthEnvVar = "ENFORCE_AUTHENTICATION"
)

// HomeDir returns the default per-user application directory, used when
// P3394_STORAGE_PATH is not set.
func HomeDir() string {
	home, _ := os.UserHomeDir()
	return filepath.Join(home, AppDirName)
}

// StorageRoot returns the storage root honoring P3394_STORAGE_PATH, falling
// back to HomeDir.
func StorageRoot() string {
	if v := os.Getenv(StoragePathEnvVar); v != "" {
		return v
	}
	return HomeDir()
}

func DefaultConfigPath() string {
	return filepath.Join(StorageRoot(), ConfigFileName)
}

func DefaultWorkspaceDir() string {
	return filepath.Join(StorageRoot(), "workspaces", DefaultWorkspaceID)
}

func GlobalSkillsDir() string {
	return filepath.Join(StorageRoot(), SkillsDirName)
}

// STM (short-term memory, per-session) layout: {storage}/stm/{session_id}/...

func SessionDir(sessionID string) string {
	return filepath.Join(StorageRoot(), "stm", sessionID)
}

func SessionSharedDir(sessionID string) string {
	return filepath.Join(SessionDir(sessionID), "shared")
}

func SessionWorkspaceDir(sessionID string) string {
	return filepath.Join(SessionSharedDir(sessionID), "workspace")
}

func SessionArtifactsDir(sessionID string) string {
	return filepath.Join(SessionSharedDir(sessionID), "artifacts")
}

func SessionTempDir(sessionID string) string {
	return filepath.Join(SessionSharedDir(sessionID), "temp")
}

func SessionToolsDir(sessionID string) string {
	return filepath.Join(SessionSharedDir(sessionID), "tools")
}

func SessionTracePath(sessionID string) string {
	return filepath.Join(SessionDir(sessionID), "trace.jsonl")
}

func SessionXAPIPath(sessionID string) string {
	return filepath.Join(SessionDir(sessionID), "xapi.jsonl")
}

func SessionContextPath(sessionID string) string {
	return filepath.Join(SessionDir(sessionID), "context.json")
}

// LTM (long-term memory) layout: {storage}/ltm/...

func LTMDir() string {
	return filepath.Join(StorageRoot(), "ltm")
}

func PrincipalsDir() string {
	return filepath.Join(LTMDir(), "principals")
}

func PrincipalsFilePath() string {
	return filepath.Join(PrincipalsDir(), "principals.json")
}

func CredentialBindingsFilePath() string {
	return filepath.Join(PrincipalsDir(), "credential_bindings.json")
}

func CapabilitiesDir() string {
	return filepath.Join(LTMDir(), "capabilities")
}

func CapabilityCatalogPath() string {
	return filepath.Join(CapabilitiesDir(), "catalog.json")
}

func MemoryDir() string {
	return filepath.Join(LTMDir(), "memory")
}

func MemoryFamilyPath(family string) string {
	return filepath.Join(MemoryDir(), family+".jsonl")
}

func ExportDir() string {
	return filepath.Join(StorageRoot(), "export")
}
