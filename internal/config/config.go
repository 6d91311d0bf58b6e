// Package config loads the TOML configuration file: a [base] table of
// operational knobs plus an array of [[bots]] tables, with ${ENV:VAR}
// placeholder substitution and per-key environment variable fallbacks.
//
// Grounded on nevindra-oasis/internal/config/config.go for the
// toml-tagged-struct-plus-env-override shape (github.com/BurntSushi/toml),
// and on vanducng-goclaw/internal/config/config_load.go for the
// envStr/applyEnvOverrides naming convention, adapted from JSON5 to TOML.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"

	"github.com/BurntSushi/toml"
)

const envPrefix = "CODEXGW_"

// Base holds the [base] table: knobs shared by every bot unless overridden.
type Base struct {
	DBPath                               string
	LockPath                             string
	CodexCLICmd                          string
	CodexCLIArgs                         []string
	CodexCLIInputMode                    string // "stdin" | "arg"
	CodexCLIApprovalsMode                string // empty = disabled
	CodexCLISkipGitCheck                 bool
	CodexCLIUsePTY                       bool
	StreamFlushIntervalSeconds           float64
	StreamIncludeStderr                  bool
	ProgressTickIntervalSeconds          float64
	RunTimeoutSeconds                    float64
	ContextCompactionIdleTimeoutSeconds  float64
	NoOutputIdleTimeoutSeconds           float64
	FinalResultIdleTimeoutSeconds        float64
	JSONLSyncIntervalSeconds             float64
	JSONLStreamEvents                    bool
	JSONLReasoningThrottleSeconds        float64
	JSONLReasoningMode                   string // "hidden" | "summary"
	MessageChunkLimit                    int
}

// Bot holds one [[bots]] table: the per-bot identity and overrides.
type Bot struct {
	Name           string
	Token          string
	AllowedUserIDs []int64
	ResumeID       string
	CodexWorkdir   string
	CodexCLIArgs   []string // nil => inherit Base.CodexCLIArgs
}

// App is the fully resolved configuration tree.
type App struct {
	Base Base
	Bots []Bot
}

// Runtime is the per-bot config handed to the orchestrator and driver: Base
// fields merged with one Bot's overrides, matching the original runner's
// flattened Config dataclass.
type Runtime struct {
	Base
	BotName        string
	Token          string
	AllowedUserIDs []int64
	ResumeID       string
	CodexWorkdir   string
}

// BuildRuntime merges base defaults with a bot's overrides.
func BuildRuntime(base Base, bot Bot) Runtime {
	args := bot.CodexCLIArgs
	if args == nil {
		args = base.CodexCLIArgs
	}
	rt := Runtime{
		Base:           base,
		BotName:        bot.Name,
		Token:          bot.Token,
		AllowedUserIDs: bot.AllowedUserIDs,
		ResumeID:       bot.ResumeID,
		CodexWorkdir:   bot.CodexWorkdir,
	}
	rt.Base.CodexCLIArgs = args
	return rt
}

// CodexHome returns $CODEX_HOME, defaulting to ~/.codex. Honored directly
// from the environment (no CODEXGW_ prefix), per the external interfaces.
func CodexHome() string {
	if v := os.Getenv("CODEX_HOME"); v != "" {
		return v
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ".codex"
	}
	return filepath.Join(home, ".codex")
}

var envPlaceholder = regexp.MustCompile(`\$\{ENV:([A-Za-z0-9_]+)\}`)

// expandPlaceholders resolves every ${ENV:VAR} occurrence in s against the
// process environment. An unresolved placeholder is a load error.
func expandPlaceholders(s string) (string, error) {
	var firstErr error
	out := envPlaceholder.ReplaceAllStringFunc(s, func(match string) string {
		name := envPlaceholder.FindStringSubmatch(match)[1]
		val, ok := os.LookupEnv(name)
		if !ok {
			if firstErr == nil {
				firstErr = fmt.Errorf("unresolved environment placeholder ${ENV:%s}", name)
			}
			return match
		}
		return val
	})
	if firstErr != nil {
		return "", firstErr
	}
	return out, nil
}

func expandSlice(in []string) ([]string, error) {
	out := make([]string, len(in))
	for i, v := range in {
		ev, err := expandPlaceholders(v)
		if err != nil {
			return nil, err
		}
		out[i] = ev
	}
	return out, nil
}

type rawBase struct {
	DBPath                               *string  `toml:"db_path"`
	LockPath                             *string  `toml:"lock_path"`
	CodexCLICmd                          *string  `toml:"codex_cli_cmd"`
	CodexCLIArgs                         []string `toml:"codex_cli_args"`
	CodexCLIInputMode                    *string  `toml:"codex_cli_input_mode"`
	CodexCLIApprovalsMode                *string  `toml:"codex_cli_approvals_mode"`
	CodexCLISkipGitCheck                 *bool    `toml:"codex_cli_skip_git_check"`
	CodexCLIUsePTY                       *bool    `toml:"codex_cli_use_pty"`
	StreamFlushIntervalSeconds           *float64 `toml:"stream_flush_interval_seconds"`
	StreamIncludeStderr                  *bool    `toml:"stream_include_stderr"`
	ProgressTickIntervalSeconds          *float64 `toml:"progress_tick_interval_seconds"`
	RunTimeoutSeconds                    *float64 `toml:"run_timeout_seconds"`
	ContextCompactionIdleTimeoutSeconds  *float64 `toml:"context_compaction_idle_timeout_seconds"`
	NoOutputIdleTimeoutSeconds           *float64 `toml:"no_output_idle_timeout_seconds"`
	FinalResultIdleTimeoutSeconds        *float64 `toml:"final_result_idle_timeout_seconds"`
	JSONLSyncIntervalSeconds             *float64 `toml:"jsonl_sync_interval_seconds"`
	JSONLStreamEvents                    *bool    `toml:"jsonl_stream_events"`
	JSONLReasoningThrottleSeconds        *float64 `toml:"jsonl_reasoning_throttle_seconds"`
	JSONLReasoningMode                   *string  `toml:"jsonl_reasoning_mode"`
	MessageChunkLimit                    *int     `toml:"message_chunk_limit"`
}

type rawBot struct {
	Name           *string     `toml:"name"`
	Token          *string     `toml:"token"`
	AllowedUserIDs interface{} `toml:"allowed_user_ids"`
	ResumeID       *string     `toml:"resume_id"`
	CodexWorkdir   *string     `toml:"codex_workdir"`
	CodexCLIArgs   []string    `toml:"codex_cli_args"`
}

type rawDoc struct {
	Base rawBase  `toml:"base"`
	Bots []rawBot `toml:"bots"`
}

func envKey(name string) string { return envPrefix + strings.ToUpper(name) }

func resolveString(raw *string, key, def string) (string, error) {
	val := def
	if raw != nil {
		val = *raw
	} else if v, ok := os.LookupEnv(envKey(key)); ok {
		val = v
	}
	return expandPlaceholders(val)
}

func resolveBool(raw *bool, key string, def bool) (bool, error) {
	if raw != nil {
		return *raw, nil
	}
	if v, ok := os.LookupEnv(envKey(key)); ok {
		ev, err := expandPlaceholders(v)
		if err != nil {
			return false, err
		}
		return parseBool(ev), nil
	}
	return def, nil
}

func parseBool(s string) bool {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "1", "true", "yes", "on":
		return true
	default:
		return false
	}
}

func resolveFloat(raw *float64, key string, def float64) (float64, error) {
	if raw != nil {
		return *raw, nil
	}
	if v, ok := os.LookupEnv(envKey(key)); ok {
		ev, err := expandPlaceholders(v)
		if err != nil {
			return 0, err
		}
		f, err := strconv.ParseFloat(strings.TrimSpace(ev), 64)
		if err != nil {
			return 0, fmt.Errorf("%s: invalid float %q: %w", key, ev, err)
		}
		return f, nil
	}
	return def, nil
}

func resolveInt(raw *int, key string, def int) (int, error) {
	if raw != nil {
		return *raw, nil
	}
	if v, ok := os.LookupEnv(envKey(key)); ok {
		ev, err := expandPlaceholders(v)
		if err != nil {
			return 0, err
		}
		n, err := strconv.Atoi(strings.TrimSpace(ev))
		if err != nil {
			return 0, fmt.Errorf("%s: invalid int %q: %w", key, ev, err)
		}
		return n, nil
	}
	return def, nil
}

func buildBase(raw rawBase) (Base, error) {
	var b Base
	var err error
	defDBPath := filepath.Join("data", "app.db")
	if b.DBPath, err = resolveString(raw.DBPath, "db_path", defDBPath); err != nil {
		return b, err
	}
	defLockPath := filepath.Join(filepath.Dir(b.DBPath), "app.lock")
	if b.LockPath, err = resolveString(raw.LockPath, "lock_path", defLockPath); err != nil {
		return b, err
	}
	if b.CodexCLICmd, err = resolveString(raw.CodexCLICmd, "codex_cli_cmd", "codex"); err != nil {
		return b, err
	}
	if b.CodexCLIArgs, err = expandSlice(raw.CodexCLIArgs); err != nil {
		return b, err
	}
	if b.CodexCLIInputMode, err = resolveString(raw.CodexCLIInputMode, "codex_cli_input_mode", "stdin"); err != nil {
		return b, err
	}
	if b.CodexCLIApprovalsMode, err = resolveString(raw.CodexCLIApprovalsMode, "codex_cli_approvals_mode", "3"); err != nil {
		return b, err
	}
	if b.CodexCLISkipGitCheck, err = resolveBool(raw.CodexCLISkipGitCheck, "codex_cli_skip_git_check", true); err != nil {
		return b, err
	}
	if b.CodexCLIUsePTY, err = resolveBool(raw.CodexCLIUsePTY, "codex_cli_use_pty", false); err != nil {
		return b, err
	}
	if b.StreamFlushIntervalSeconds, err = resolveFloat(raw.StreamFlushIntervalSeconds, "stream_flush_interval_seconds", 1.5); err != nil {
		return b, err
	}
	if b.StreamIncludeStderr, err = resolveBool(raw.StreamIncludeStderr, "stream_include_stderr", false); err != nil {
		return b, err
	}
	if b.ProgressTickIntervalSeconds, err = resolveFloat(raw.ProgressTickIntervalSeconds, "progress_tick_interval_seconds", 15); err != nil {
		return b, err
	}
	if b.RunTimeoutSeconds, err = resolveFloat(raw.RunTimeoutSeconds, "run_timeout_seconds", 900); err != nil {
		return b, err
	}
	if b.ContextCompactionIdleTimeoutSeconds, err = resolveFloat(raw.ContextCompactionIdleTimeoutSeconds, "context_compaction_idle_timeout_seconds", 60); err != nil {
		return b, err
	}
	if b.NoOutputIdleTimeoutSeconds, err = resolveFloat(raw.NoOutputIdleTimeoutSeconds, "no_output_idle_timeout_seconds", 900); err != nil {
		return b, err
	}
	if b.FinalResultIdleTimeoutSeconds, err = resolveFloat(raw.FinalResultIdleTimeoutSeconds, "final_result_idle_timeout_seconds", 30); err != nil {
		return b, err
	}
	if b.JSONLSyncIntervalSeconds, err = resolveFloat(raw.JSONLSyncIntervalSeconds, "jsonl_sync_interval_seconds", 3); err != nil {
		return b, err
	}
	if b.JSONLStreamEvents, err = resolveBool(raw.JSONLStreamEvents, "jsonl_stream_events", true); err != nil {
		return b, err
	}
	if b.JSONLReasoningThrottleSeconds, err = resolveFloat(raw.JSONLReasoningThrottleSeconds, "jsonl_reasoning_throttle_seconds", 10); err != nil {
		return b, err
	}
	if b.JSONLReasoningMode, err = resolveString(raw.JSONLReasoningMode, "jsonl_reasoning_mode", "hidden"); err != nil {
		return b, err
	}
	if b.MessageChunkLimit, err = resolveInt(raw.MessageChunkLimit, "message_chunk_limit", 3500); err != nil {
		return b, err
	}
	return b, nil
}

func parseAllowedUserIDs(v interface{}) ([]int64, error) {
	switch val := v.(type) {
	case nil:
		return nil, nil
	case []interface{}:
		out := make([]int64, 0, len(val))
		for _, item := range val {
			switch n := item.(type) {
			case int64:
				out = append(out, n)
			case string:
				id, err := strconv.ParseInt(strings.TrimSpace(n), 10, 64)
				if err != nil {
					return nil, fmt.Errorf("invalid allowed_user_ids entry %q: %w", n, err)
				}
				out = append(out, id)
			default:
				return nil, fmt.Errorf("invalid allowed_user_ids entry %v", item)
			}
		}
		return out, nil
	case string:
		return parseIntCSV(val)
	default:
		return nil, fmt.Errorf("invalid allowed_user_ids value %v", v)
	}
}

func parseIntCSV(s string) ([]int64, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, nil
	}
	parts := strings.Split(s, ",")
	out := make([]int64, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		id, err := strconv.ParseInt(p, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid allowed_user_ids entry %q: %w", p, err)
		}
		out = append(out, id)
	}
	return out, nil
}

func buildBot(raw rawBot) (Bot, []string, error) {
	var bot Bot
	var missing []string

	name, err := resolveString(raw.Name, "", "")
	if err != nil {
		return bot, nil, err
	}
	bot.Name = strings.TrimSpace(name)
	if bot.Name == "" {
		missing = append(missing, "name")
	}

	token, err := resolveString(raw.Token, "", "")
	if err != nil {
		return bot, nil, err
	}
	bot.Token = strings.TrimSpace(token)
	if bot.Token == "" {
		missing = append(missing, "token")
	}

	if raw.ResumeID != nil {
		rid, err := expandPlaceholders(*raw.ResumeID)
		if err != nil {
			return bot, nil, err
		}
		bot.ResumeID = strings.TrimSpace(rid)
	}
	if bot.ResumeID == "" {
		missing = append(missing, "resume_id")
	}

	workdir, err := resolveString(raw.CodexWorkdir, "", "")
	if err != nil {
		return bot, nil, err
	}
	bot.CodexWorkdir = strings.TrimSpace(workdir)
	if bot.CodexWorkdir == "" {
		missing = append(missing, "codex_workdir")
	}

	ids, err := parseAllowedUserIDs(raw.AllowedUserIDs)
	if err != nil {
		return bot, nil, err
	}
	bot.AllowedUserIDs = ids
	if len(ids) == 0 {
		missing = append(missing, "allowed_user_ids")
	}

	if raw.CodexCLIArgs != nil {
		args, err := expandSlice(raw.CodexCLIArgs)
		if err != nil {
			return bot, nil, err
		}
		bot.CodexCLIArgs = args
	}

	return bot, missing, nil
}

// Load reads the TOML config at path. If the file does not exist, it falls
// back to a single-bot configuration built entirely from environment
// variables (CODEXGW_TELEGRAM_TOKEN, CODEXGW_TELEGRAM_ALLOWED_USER_IDS,
// CODEXGW_RESUME_ID, CODEXGW_CODEX_WORKDIR), the required
// no-config fallback path.
func Load(path string) (*App, error) {
	if _, err := os.Stat(path); err != nil {
		return loadFromEnv()
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	var doc rawDoc
	if _, err := toml.Decode(string(raw), &doc); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	base, err := buildBase(doc.Base)
	if err != nil {
		return nil, fmt.Errorf("base config: %w", err)
	}

	var bots []Bot
	for i, rb := range doc.Bots {
		bot, missing, err := buildBot(rb)
		if err != nil {
			return nil, fmt.Errorf("bots[%d]: %w", i, err)
		}
		if len(missing) > 0 {
			fmt.Fprintf(os.Stderr, "config warning: bots[%d] missing fields: %s (skipped)\n", i, strings.Join(missing, ", "))
			continue
		}
		bots = append(bots, bot)
	}
	if len(bots) == 0 {
		return nil, fmt.Errorf("zero valid bots configured")
	}

	return &App{Base: base, Bots: bots}, nil
}

func loadFromEnv() (*App, error) {
	base, err := buildBase(rawBase{})
	if err != nil {
		return nil, fmt.Errorf("base config: %w", err)
	}

	token := os.Getenv(envKey("telegram_token"))
	if token == "" {
		return nil, fmt.Errorf("no config file found and %s is not set", envKey("telegram_token"))
	}
	ids, err := parseIntCSV(os.Getenv(envKey("telegram_allowed_user_ids")))
	if err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return nil, fmt.Errorf("%s is not set", envKey("telegram_allowed_user_ids"))
	}
	resumeID := os.Getenv(envKey("resume_id"))
	if resumeID == "" {
		return nil, fmt.Errorf("%s is not set", envKey("resume_id"))
	}
	workdir := os.Getenv(envKey("codex_workdir"))
	if workdir == "" {
		if wd, err := os.Getwd(); err == nil {
			workdir = wd
		}
	}

	bot := Bot{
		Name:           "default",
		Token:          token,
		AllowedUserIDs: ids,
		ResumeID:       resumeID,
		CodexWorkdir:   workdir,
	}
	return &App{Base: base, Bots: []Bot{bot}}, nil
}
