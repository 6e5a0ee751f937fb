// Package config loads the broker's runtime Profile, mirroring
// internal/profile.Profile (teacher) field-for-field in pattern
// (FromEnv/Validate/env-var getters) but built around the broker's own
// option set ("Configuration"): TTLs, messenger/AI provider
// credentials, access-list file paths and the mode-template directory.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

// Profile is the broker's complete runtime configuration 
type Profile struct {
	// Messenger (Telegram)
	TelegramBotToken string

	// AI provider selection. A non-empty LLMProvider selects the
	// OpenAI-compatible agent; otherwise CCAgentBinaryPath selects the
	// local-CLI agent (cmd/chatbroker's buildAgentFactory). Per-mode model
	// overrides come from LoadModeProfile.
	LLMProvider string
	LLMAPIKey   string
	LLMBaseURL  string
	LLMModel    string

	CCAgentBinaryPath string

	// chatCacheAliveMinutes: TTL for non-premium chat state 
	// Premium chats use expirestore.Infinite regardless of this value.
	ChatCacheAliveMinutes int

	// messengerMaxTextLen / messengerMaxPhotoLen: numeric splitting
	// limits  Zero means "use the concrete Messenger's own
	// constants"; any non-zero value replaces them as is, without being
	// compared against the transport's own cap.
	MessengerMaxTextLen  int
	MessengerMaxPhotoLen int

	// adminUserId: single id, case-insensitive compare 
	AdminUserID string

	// Access lists: two newline-separated text files 
	AllowedIDsPath string
	PremiumIDsPath string
	AccessPolicy   string // optional CEL expression, see internal/access.CompilePolicy

	// Mode templates: file "{modeName}.txt" in this directory 
	ModeTemplateDir string

	// Admin HTTP API
	AdminAddr      string
	AdminJWTSecret string

	// Metrics
	MetricsAddr string

	Mode string // "dev" | "prod" | "demo"
}

// DefaultChatCacheAliveMinutes matches the 30-minute idle window the
// teacher's session cleanup loop (ai/agents/runner/session_manager.go)
// uses for CLI subprocess reuse, repurposed here as the chat-state TTL
// default.
const DefaultChatCacheAliveMinutes = 30

// modeNamePattern sanitizes a mode name to a pure filename component
// ("modeName is sanitized to a pure filename"): letters, digits,
// dash and underscore only.
var modeNamePattern = regexp.MustCompile(`^[A-Za-z0-9_-]+$`)

// FromEnv populates fields left zero-valued from environment variables,
// mirroring internal/profile.Profile.FromEnv's "only fill in what the
// caller didn't already set via flags" convention.
func (p *Profile) FromEnv() {
	setIfEmpty(&p.TelegramBotToken, "CHATBROKER_TELEGRAM_BOT_TOKEN")
	setIfEmpty(&p.LLMProvider, "CHATBROKER_LLM_PROVIDER")
	setIfEmpty(&p.LLMAPIKey, "CHATBROKER_LLM_API_KEY")
	setIfEmpty(&p.LLMBaseURL, "CHATBROKER_LLM_BASE_URL")
	setIfEmpty(&p.LLMModel, "CHATBROKER_LLM_MODEL")
	setIfEmpty(&p.CCAgentBinaryPath, "CHATBROKER_CC_AGENT_BINARY")
	setIfEmpty(&p.AdminUserID, "CHATBROKER_ADMIN_USER_ID")
	setIfEmpty(&p.AllowedIDsPath, "CHATBROKER_ALLOWED_IDS_PATH")
	setIfEmpty(&p.PremiumIDsPath, "CHATBROKER_PREMIUM_IDS_PATH")
	setIfEmpty(&p.AccessPolicy, "CHATBROKER_ACCESS_POLICY")
	setIfEmpty(&p.ModeTemplateDir, "CHATBROKER_MODE_TEMPLATE_DIR")
	setIfEmpty(&p.AdminAddr, "CHATBROKER_ADMIN_ADDR")
	setIfEmpty(&p.AdminJWTSecret, "CHATBROKER_ADMIN_JWT_SECRET")
	setIfEmpty(&p.MetricsAddr, "CHATBROKER_METRICS_ADDR")
	setIfEmpty(&p.Mode, "CHATBROKER_MODE")

	if p.ChatCacheAliveMinutes == 0 {
		if v := os.Getenv("CHATBROKER_CHAT_CACHE_ALIVE_MINUTES"); v != "" {
			if n, err := strconv.Atoi(v); err == nil {
				p.ChatCacheAliveMinutes = n
			}
		}
	}
	if p.MessengerMaxTextLen == 0 {
		if v := os.Getenv("CHATBROKER_MESSENGER_MAX_TEXT_LEN"); v != "" {
			if n, err := strconv.Atoi(v); err == nil {
				p.MessengerMaxTextLen = n
			}
		}
	}
	if p.MessengerMaxPhotoLen == 0 {
		if v := os.Getenv("CHATBROKER_MESSENGER_MAX_PHOTO_LEN"); v != "" {
			if n, err := strconv.Atoi(v); err == nil {
				p.MessengerMaxPhotoLen = n
			}
		}
	}
	if p.Mode == "" {
		p.Mode = "dev"
	}
	if p.ChatCacheAliveMinutes == 0 {
		p.ChatCacheAliveMinutes = DefaultChatCacheAliveMinutes
	}
}

func setIfEmpty(dst *string, env string) {
	if *dst == "" {
		*dst = os.Getenv(env)
	}
}

// Validate checks required invariants, erroring with a wrapped stack
// trace the way internal/profile.Profile.Validate does via
// github.com/pkg/errors.
func (p *Profile) Validate() error {
	if p.TelegramBotToken == "" {
		return errors.New("config: CHATBROKER_TELEGRAM_BOT_TOKEN is required")
	}
	if p.LLMProvider == "" && p.CCAgentBinaryPath == "" {
		return errors.New("config: at least one of CHATBROKER_LLM_PROVIDER or CHATBROKER_CC_AGENT_BINARY must be set")
	}
	if p.ChatCacheAliveMinutes < 0 {
		return errors.Errorf("config: chatCacheAliveMinutes must be >= 0, got %d", p.ChatCacheAliveMinutes)
	}
	return nil
}

// ChatCacheTTL converts ChatCacheAliveMinutes to a time.Duration for
// internal/expirestore.
func (p *Profile) ChatCacheTTL() time.Duration {
	return time.Duration(p.ChatCacheAliveMinutes) * time.Minute
}

// IsDev reports whether the profile is running in development mode,
// mirroring internal/profile.Profile.IsDev.
func (p *Profile) IsDev() bool {
	return p.Mode == "dev" || p.Mode == "demo"
}

// sanitizeModeName enforces "modeName is sanitized to a pure
// filename" rule, rejecting path separators and traversal sequences.
func sanitizeModeName(modeName string) (string, error) {
	if !modeNamePattern.MatchString(modeName) {
		return "", errors.Errorf("config: invalid mode name %q", modeName)
	}
	return modeName, nil
}

// LoadModeTemplate reads "{modeName}.txt" from dir ("Mode
// templates"). A missing file or missing directory both yield an empty
// string rather than an error — the Chat's OnEnterWaitingForFirstMessage
// simply sends nothing in that case.
func LoadModeTemplate(dir, modeName string) string {
	if dir == "" {
		return ""
	}
	name, err := sanitizeModeName(modeName)
	if err != nil {
		return ""
	}
	data, err := os.ReadFile(filepath.Join(dir, name+".txt"))
	if err != nil {
		return ""
	}
	return strings.TrimRight(string(data), "\n")
}

// ModeProfile is a per-mode agent profile, loaded from "{modeName}.yaml"
// in the same directory as the mode's intro template, matching
// ai/configloader.Loader's path-fallback YAML read pattern.
// cmd/chatbroker's buildAgentFactory applies a non-empty Model to the
// mode's OpenAI-compatible agent and copies Provider into its config,
// which openaiagent.New does not use (the endpoint comes from BaseURL).
// PremiumOnly is parsed but nothing in the broker reads it, so a
// premium_only mode is not restricted to premium chats.
type ModeProfile struct {
	Provider    string `yaml:"provider"`
	Model       string `yaml:"model"`
	PremiumOnly bool   `yaml:"premium_only"`
}

// LoadModeProfile reads "{modeName}.yaml" from dir. A missing file
// yields a zero-value ModeProfile (provider/model empty, not premium
// gated) and a nil error — absence of a per-mode override is not an
// error condition, matching LoadModeTemplate's "missing means empty"
// convention.
func LoadModeProfile(dir, modeName string) (ModeProfile, error) {
	if dir == "" {
		return ModeProfile{}, nil
	}
	name, err := sanitizeModeName(modeName)
	if err != nil {
		return ModeProfile{}, err
	}
	data, err := os.ReadFile(filepath.Join(dir, name+".yaml"))
	if err != nil {
		return ModeProfile{}, nil
	}
	var mp ModeProfile
	if err := yaml.Unmarshal(data, &mp); err != nil {
		return ModeProfile{}, errors.Wrapf(err, "config: invalid mode profile %q", modeName)
	}
	return mp, nil
}

// String renders a short human summary for startup logging, mirroring
// cmd/divinesense/main.go's printGreetings but without exposing secrets.
func (p *Profile) String() string {
	return fmt.Sprintf("Profile{mode=%s, chatCacheAliveMinutes=%d, llmProvider=%s, adminAddr=%s}",
		p.Mode, p.ChatCacheAliveMinutes, p.LLMProvider, p.AdminAddr)
}
