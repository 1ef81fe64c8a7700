package guildbot

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"go/ast"
	"go/parser"
	"go/token"
	"log/slog"
	"os"
	"path/filepath"
	"reflect"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/lmittmann/tint"
	"github.com/traefik/yaegi/interp"
	"github.com/traefik/yaegi/stdlib"
)

const (
	cogSetupFuncName    = "Setup"
	cogTeardownFuncName = "Teardown"
	cogSourceExt        = ".go"
	cogSidecarExt       = ".json"
)

// cogExportPath is the package path interpreted cogs import to get at
// the bot API.
const cogExportPath = "github.com/ngongtopro/bot-discord/guildbot/guildbot"

// sandboxAllowedPackages is the allowlist of standard library packages
// exposed to interpreted cogs. Anything touching the filesystem, the
// network, processes or unsafe memory is excluded.
var sandboxAllowedPackages = []string{
	"bytes/bytes",
	"errors/errors",
	"fmt/fmt",
	"math/math",
	// not importable by cogs directly, but fmt's symbol graph
	// requires it
	"math/bits/bits",
	"math/rand/rand",
	"regexp/regexp",
	"sort/sort",
	"strconv/strconv",
	"strings/strings",
	"time/time",
	"unicode/unicode",
	"unicode/utf8/utf8",
	"encoding/json/json",
}

type CogSubmissionState string

const (
	CogSubmissionStatePending  CogSubmissionState = "pending"
	CogSubmissionStateApproved CogSubmissionState = "approved"
	CogSubmissionStateRejected CogSubmissionState = "rejected"
)

// CogSubmission is the database audit record of a cog submission and its
// review outcome. The staged source and its sidecar on disk are the
// working state for pending submissions; this table is history.
//
//nolint:lll // struct tags can't be split
type CogSubmission struct {
	ModelStringID
	ModuleName        string             `json:"module_name" gorm:"index;not null"`
	SubmitterID       string             `json:"submitter_id" gorm:"index;not null"`
	SubmitterUsername string             `json:"submitter_username" gorm:"type:string"`
	State             CogSubmissionState `json:"state" gorm:"type:string;not null"`
	Error             NullableString     `json:"error"`
	ModelUnixTime
}

// PendingCogSubmission is the sidecar metadata stored alongside a staged
// cog source file, so the staging directory is self-describing and
// survives restarts.
type PendingCogSubmission struct {
	ID                string `json:"id"`
	ModuleName        string `json:"module_name"`
	SubmitterID       string `json:"submitter_id"`
	SubmitterUsername string `json:"submitter_username"`
	SubmittedAt       int64  `json:"submitted_at"`
}

func (p PendingCogSubmission) LogValue() slog.Value {
	return slog.GroupValue(
		slog.String("id", p.ID),
		slog.String("module_name", p.ModuleName),
		slog.String("submitter_id", p.SubmitterID),
	)
}

// LoadedCog is a live extension: its interpreter, the commands it
// registered, and enough metadata to describe it.
type LoadedCog struct {
	ModuleName  string    `json:"module_name"`
	Path        string    `json:"path"`
	SubmitterID string    `json:"submitter_id"`
	LoadedAt    time.Time `json:"loaded_at"`

	// Replaced indicates this load displaced a previously loaded cog
	// with the same module name.
	Replaced bool `json:"replaced"`

	interpreter *interp.Interpreter
	commands    []string
	teardown    func() error
}

// Commands returns the names of the commands this cog registered.
func (c *LoadedCog) Commands() []string {
	names := make([]string, len(c.commands))
	copy(names, c.commands)
	return names
}

// CogCommandHandler is the signature for commands registered by cogs.
// It receives the invoking user's ID and the command's string options,
// and returns the response content.
type CogCommandHandler func(userID string, options map[string]string) (string, error)

// CogCommand is a slash command contributed by a loaded cog.
type CogCommand struct {
	Name        string
	Description string
	Handler     CogCommandHandler

	// moduleName is the owning cog, so the command can be dropped when
	// the cog unloads
	moduleName string
}

// CogAPI is the narrow capability surface handed to a cog's Setup
// function. Cogs get command registration, message sending and read-only
// ledger access; they never see the session, the database, or the
// filesystem.
type CogAPI struct {
	moduleName string

	registerCommand func(cmd CogCommand) error
	sendMessage     func(channelID string, content string) error
	getBalance      func(userID string) (int64, error)
	logger          *slog.Logger
}

// RegisterCommand registers a slash command owned by this cog. The
// command becomes available after the bot re-syncs its application
// commands.
func (a *CogAPI) RegisterCommand(
	name string,
	description string,
	handler CogCommandHandler,
) error {
	if name == "" || handler == nil {
		return errors.New("command name and handler are required")
	}
	return a.registerCommand(
		CogCommand{
			Name:        name,
			Description: description,
			Handler:     handler,
			moduleName:  a.moduleName,
		},
	)
}

// SendMessage sends a message to the given channel.
func (a *CogAPI) SendMessage(channelID string, content string) error {
	return a.sendMessage(channelID, content)
}

// Balance returns the given user's current ledger balance.
func (a *CogAPI) Balance(userID string) (int64, error) {
	return a.getBalance(userID)
}

// Logf writes to the bot's log, tagged with the cog's module name.
func (a *CogAPI) Logf(format string, args ...any) {
	a.logger.Info(fmt.Sprintf(format, args...), "cog", a.moduleName)
}

// CogRegistry tracks loaded cogs and the commands they contribute. It is
// an explicit value owned by the CogManager rather than package state,
// so tests can run managers side by side.
type CogRegistry struct {
	mu       sync.RWMutex
	cogs     map[string]*LoadedCog
	commands map[string]CogCommand
}

func NewCogRegistry() *CogRegistry {
	return &CogRegistry{
		cogs:     map[string]*LoadedCog{},
		commands: map[string]CogCommand{},
	}
}

func (r *CogRegistry) Get(moduleName string) (*LoadedCog, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	cog, ok := r.cogs[moduleName]
	return cog, ok
}

// Command returns the cog command with the given name, if any cog has
// registered one.
func (r *CogRegistry) Command(name string) (CogCommand, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	cmd, ok := r.commands[name]
	return cmd, ok
}

// Loaded returns the loaded cogs, sorted by module name.
func (r *CogRegistry) Loaded() []*LoadedCog {
	r.mu.RLock()
	defer r.mu.RUnlock()
	cogs := make([]*LoadedCog, 0, len(r.cogs))
	for _, cog := range r.cogs {
		cogs = append(cogs, cog)
	}
	sort.Slice(
		cogs, func(i, j int) bool {
			return cogs[i].ModuleName < cogs[j].ModuleName
		},
	)
	return cogs
}

// Commands returns the commands contributed by loaded cogs, sorted by
// name.
func (r *CogRegistry) Commands() []CogCommand {
	r.mu.RLock()
	defer r.mu.RUnlock()
	commands := make([]CogCommand, 0, len(r.commands))
	for _, cmd := range r.commands {
		commands = append(commands, cmd)
	}
	sort.Slice(
		commands, func(i, j int) bool {
			return commands[i].Name < commands[j].Name
		},
	)
	return commands
}

func (r *CogRegistry) add(cog *LoadedCog, commands []CogCommand) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.cogs[cog.ModuleName] = cog
	for _, cmd := range commands {
		cog.commands = append(cog.commands, cmd.Name)
		r.commands[cmd.Name] = cmd
	}
}

func (r *CogRegistry) remove(moduleName string) (*LoadedCog, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	cog, ok := r.cogs[moduleName]
	if !ok {
		return nil, false
	}
	delete(r.cogs, moduleName)
	for _, name := range cog.commands {
		delete(r.commands, name)
	}
	return cog, true
}

// CogManager runs the extension lifecycle: validation, staging, review,
// loading and unloading. All lifecycle operations are serialized behind
// a mutex, so an approval can never race a second approval or a
// submission for the same module.
type CogManager struct {
	db       DBI
	config   *CogConfig
	logger   *slog.Logger
	registry *CogRegistry

	mu      sync.Mutex
	pending map[string]*PendingCogSubmission

	// notifyUser sends a best-effort direct message. Failures are logged
	// and swallowed. Nil disables notifications (tests, startup).
	notifyUser func(ctx context.Context, userID string, content string) error

	// sendMessage posts to a channel on behalf of loaded cogs
	sendMessage func(channelID string, content string) error

	// getBalance provides read-only ledger access to cogs
	getBalance func(userID string) (int64, error)

	// syncCommands re-registers the bot's application commands after the
	// set of cog commands changes. Nil disables syncing.
	syncCommands func(ctx context.Context) error
}

func NewCogManager(
	db DBI,
	config *CogConfig,
	logger *slog.Logger,
) (*CogManager, error) {
	if config == nil {
		return nil, errors.New("nil cog config")
	}
	if logger == nil {
		logger = slog.Default()
	}
	for _, dir := range []string{config.Dir, config.PendingDir} {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("error creating cog directory %s: %w", dir, err)
		}
	}
	m := &CogManager{
		db:       db,
		config:   config,
		logger:   logger.With(loggerNameKey, "cogs"),
		registry: NewCogRegistry(),
		pending:  map[string]*PendingCogSubmission{},
	}
	if err := m.loadPendingSidecars(); err != nil {
		return nil, err
	}
	return m, nil
}

// Registry returns the manager's cog registry.
func (m *CogManager) Registry() *CogRegistry {
	return m.registry
}

// validateCogSource checks that the uploaded source parses as a Go file
// and declares an exported Setup function, and returns the declared
// package name.
func validateCogSource(src []byte) (string, error) {
	fset := token.NewFileSet()
	file, err := parser.ParseFile(fset, "cog.go", src, parser.AllErrors)
	if err != nil {
		return "", newValidationError("source does not parse: %v", err)
	}
	moduleName := file.Name.Name
	if moduleName == "main" {
		return "", newValidationError("cog package cannot be named 'main'")
	}

	var hasSetup bool
	for _, decl := range file.Decls {
		fn, ok := decl.(*ast.FuncDecl)
		if !ok || fn.Recv != nil {
			continue
		}
		if fn.Name.Name == cogSetupFuncName {
			hasSetup = true
			break
		}
	}
	if !hasSetup {
		return "", newValidationError(
			"cog must declare an exported %s function", cogSetupFuncName,
		)
	}
	return moduleName, nil
}

// sandboxInterpreter returns a yaegi interpreter restricted to the
// allowlisted standard library packages, plus the bot API exports.
func sandboxInterpreter() (*interp.Interpreter, error) {
	i := interp.New(interp.Options{})

	allowed := interp.Exports{}
	for _, pkg := range sandboxAllowedPackages {
		if symbols, ok := stdlib.Symbols[pkg]; ok {
			allowed[pkg] = symbols
		}
	}
	if err := i.Use(allowed); err != nil {
		return nil, err
	}

	if err := i.Use(
		interp.Exports{
			cogExportPath: {
				"CogAPI":            reflect.ValueOf((*CogAPI)(nil)),
				"CogCommandHandler": reflect.ValueOf((*CogCommandHandler)(nil)),
			},
		},
	); err != nil {
		return nil, err
	}
	return i, nil
}

// load compiles and initializes the cog source at path in a fresh
// sandboxed interpreter, and registers it on success.
func (m *CogManager) load(
	ctx context.Context,
	path string,
	submitterID string,
) (*LoadedCog, error) {
	src, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("error reading cog source: %w", err)
	}
	moduleName, err := validateCogSource(src)
	if err != nil {
		return nil, err
	}
	if _, loaded := m.registry.Get(moduleName); loaded {
		return nil, newValidationError(
			"a cog named %q is already loaded", moduleName,
		)
	}

	i, err := sandboxInterpreter()
	if err != nil {
		return nil, LoadError{ModuleName: moduleName, Err: err}
	}

	if _, err = i.Eval(string(src)); err != nil {
		return nil, LoadError{ModuleName: moduleName, Err: err}
	}

	setupVal, err := i.Eval(
		fmt.Sprintf("%s.%s", moduleName, cogSetupFuncName),
	)
	if err != nil {
		return nil, LoadError{ModuleName: moduleName, Err: err}
	}
	setup, ok := setupVal.Interface().(func(*CogAPI) error)
	if !ok {
		return nil, LoadError{
			ModuleName: moduleName,
			Err: fmt.Errorf(
				"%s must have signature func(*CogAPI) error",
				cogSetupFuncName,
			),
		}
	}

	var (
		pendingCommands []CogCommand
		commandMu       sync.Mutex
	)
	api := &CogAPI{
		moduleName: moduleName,
		logger:     m.logger,
		registerCommand: func(cmd CogCommand) error {
			commandMu.Lock()
			defer commandMu.Unlock()
			if _, exists := m.registry.Command(cmd.Name); exists {
				return fmt.Errorf("command %q is already registered", cmd.Name)
			}
			for _, pc := range pendingCommands {
				if pc.Name == cmd.Name {
					return fmt.Errorf("command %q is already registered", cmd.Name)
				}
			}
			pendingCommands = append(pendingCommands, cmd)
			return nil
		},
		sendMessage: func(channelID string, content string) error {
			if m.sendMessage == nil {
				return errors.New("message sending unavailable")
			}
			return m.sendMessage(channelID, content)
		},
		getBalance: func(userID string) (int64, error) {
			if m.getBalance == nil {
				return 0, errors.New("ledger unavailable")
			}
			return m.getBalance(userID)
		},
	}

	loadCtx := ctx
	if m.config.LoadTimeout > 0 {
		var cancel context.CancelFunc
		loadCtx, cancel = context.WithTimeout(ctx, m.config.LoadTimeout)
		defer cancel()
	}
	setupErr := make(chan error, 1)
	go func() {
		setupErr <- setup(api)
	}()
	select {
	case err = <-setupErr:
		if err != nil {
			return nil, LoadError{ModuleName: moduleName, Err: err}
		}
	case <-loadCtx.Done():
		return nil, LoadError{ModuleName: moduleName, Err: loadCtx.Err()}
	}

	cog := &LoadedCog{
		ModuleName:  moduleName,
		Path:        path,
		SubmitterID: submitterID,
		LoadedAt:    time.Now().UTC(),
		interpreter: i,
	}

	if teardownVal, evalErr := i.Eval(
		fmt.Sprintf("%s.%s", moduleName, cogTeardownFuncName),
	); evalErr == nil {
		if teardown, isFunc := teardownVal.Interface().(func() error); isFunc {
			cog.teardown = teardown
		}
	}

	m.registry.add(cog, pendingCommands)
	m.logger.InfoContext(
		ctx,
		"loaded cog",
		"module_name", moduleName,
		"path", path,
		"commands", cog.commands,
	)
	return cog, nil
}

// Unload removes a loaded cog, dropping its commands and running its
// Teardown function if it has one.
func (m *CogManager) Unload(ctx context.Context, moduleName string) error {
	cog, ok := m.registry.remove(moduleName)
	if !ok {
		return ErrCogNotLoaded
	}
	if cog.teardown != nil {
		if err := cog.teardown(); err != nil {
			m.logger.WarnContext(
				ctx,
				"cog teardown returned error",
				"module_name", moduleName,
				tint.Err(err),
			)
		}
	}
	m.logger.InfoContext(ctx, "unloaded cog", "module_name", moduleName)
	return nil
}

// Submit handles an uploaded cog source file.
//
// Privileged submitters (the bot owner) bypass review: any loaded cog
// with the same module name is unloaded, the file is written to the live
// directory and loaded immediately. If the load fails the file is
// deleted and the previous state is restored as far as possible.
//
// Everyone else has their upload staged to the pending directory with a
// sidecar describing it, for later review via Approve or Reject.
func (m *CogManager) Submit(
	ctx context.Context,
	src []byte,
	submitter *User,
	privileged bool,
) (*PendingCogSubmission, *LoadedCog, error) {
	if m.config.MaxSourceSize > 0 && int64(len(src)) > m.config.MaxSourceSize {
		return nil, nil, newValidationError(
			"cog source exceeds the maximum size of %d bytes",
			m.config.MaxSourceSize,
		)
	}
	moduleName, err := validateCogSource(src)
	if err != nil {
		return nil, nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if privileged {
		cog, loadErr := m.directLoad(ctx, src, moduleName, submitter)
		return nil, cog, loadErr
	}

	submission := &PendingCogSubmission{
		ID:                uuid.NewString(),
		ModuleName:        moduleName,
		SubmitterID:       submitter.ID,
		SubmitterUsername: submitter.Username,
		SubmittedAt:       time.Now().UTC().UnixMilli(),
	}

	if err = os.WriteFile(
		m.stagedSourcePath(submission.ID), src, 0644,
	); err != nil {
		return nil, nil, fmt.Errorf("error staging cog source: %w", err)
	}
	if err = m.writeSidecar(submission); err != nil {
		_ = os.Remove(m.stagedSourcePath(submission.ID))
		return nil, nil, fmt.Errorf("error writing submission metadata: %w", err)
	}
	m.pending[submission.ID] = submission

	record := &CogSubmission{
		ModelStringID:     ModelStringID{ID: submission.ID},
		ModuleName:        moduleName,
		SubmitterID:       submitter.ID,
		SubmitterUsername: submitter.Username,
		State:             CogSubmissionStatePending,
	}
	if _, err = m.db.Create(ctx, record); err != nil {
		// the staged file is the working state; a failed audit write
		// shouldn't lose the submission
		m.logger.ErrorContext(
			ctx,
			"error persisting submission record",
			"submission", submission,
			tint.Err(err),
		)
	}

	m.logger.InfoContext(ctx, "staged cog submission", "submission", submission)
	return submission, nil, nil
}

// directLoad is the privileged submit path. Caller must hold m.mu.
func (m *CogManager) directLoad(
	ctx context.Context,
	src []byte,
	moduleName string,
	submitter *User,
) (*LoadedCog, error) {
	replaced := false
	if _, loaded := m.registry.Get(moduleName); loaded {
		replaced = true
		// an overwrite proceeds even if the unload stumbles
		if err := m.Unload(ctx, moduleName); err != nil {
			m.logger.ErrorContext(
				ctx,
				"error unloading cog before overwrite",
				"module", moduleName,
				tint.Err(err),
			)
		}
	}

	livePath := m.liveSourcePath(moduleName)
	if err := os.WriteFile(livePath, src, 0644); err != nil {
		return nil, fmt.Errorf("error writing cog source: %w", err)
	}

	cog, err := m.load(ctx, livePath, submitter.ID)
	if err != nil {
		if removeErr := os.Remove(livePath); removeErr != nil {
			m.logger.ErrorContext(
				ctx,
				"error removing cog source after failed load",
				"path", livePath,
				tint.Err(removeErr),
			)
		}
		return nil, err
	}
	cog.Replaced = replaced
	m.syncCogCommands(ctx)
	return cog, nil
}

// Approve promotes a staged submission to the live directory and loads
// it. Any loaded cog with the same module name is unloaded first. If the
// load fails, the staged file and sidecar are restored and the
// submission remains pending.
func (m *CogManager) Approve(ctx context.Context, submissionID string) (
	*LoadedCog,
	error,
) {
	m.mu.Lock()
	defer m.mu.Unlock()

	submission, ok := m.pending[submissionID]
	if !ok {
		return nil, ErrSubmissionNotFound
	}

	replaced := false
	if _, loaded := m.registry.Get(submission.ModuleName); loaded {
		replaced = true
		// an overwrite proceeds even if the unload stumbles
		if err := m.Unload(ctx, submission.ModuleName); err != nil {
			m.logger.ErrorContext(
				ctx,
				"error unloading cog before overwrite",
				"module", submission.ModuleName,
				tint.Err(err),
			)
		}
	}

	stagedPath := m.stagedSourcePath(submission.ID)
	livePath := m.liveSourcePath(submission.ModuleName)
	if err := os.Rename(stagedPath, livePath); err != nil {
		return nil, fmt.Errorf("error promoting staged cog: %w", err)
	}
	sidecarPath := m.sidecarPath(submission.ID)
	if err := os.Remove(sidecarPath); err != nil && !errors.Is(err, os.ErrNotExist) {
		m.logger.WarnContext(
			ctx,
			"error removing submission sidecar",
			"path", sidecarPath,
			tint.Err(err),
		)
	}

	cog, err := m.load(ctx, livePath, submission.SubmitterID)
	if err != nil {
		// roll back: the staged file and sidecar come back, and the
		// submission stays pending
		if renameErr := os.Rename(livePath, stagedPath); renameErr != nil {
			m.logger.ErrorContext(
				ctx,
				"error restoring staged cog after failed load",
				"path", stagedPath,
				tint.Err(renameErr),
			)
		}
		if sidecarErr := m.writeSidecar(submission); sidecarErr != nil {
			m.logger.ErrorContext(
				ctx,
				"error restoring submission sidecar after failed load",
				"submission", submission,
				tint.Err(sidecarErr),
			)
		}
		m.recordSubmissionError(ctx, submission.ID, err)
		return nil, err
	}

	cog.Replaced = replaced

	delete(m.pending, submission.ID)
	if _, err = m.db.UpdatesWhere(
		ctx,
		&CogSubmission{},
		map[string]any{"state": CogSubmissionStateApproved},
		"id = ?",
		submission.ID,
	); err != nil {
		m.logger.ErrorContext(
			ctx,
			"error updating submission record",
			"submission", submission,
			tint.Err(err),
		)
	}

	m.syncCogCommands(ctx)
	m.notify(
		ctx,
		submission.SubmitterID,
		fmt.Sprintf("Your cog `%s` was approved and is now live!", submission.ModuleName),
	)
	m.logger.InfoContext(ctx, "approved cog submission", "submission", submission)
	return cog, nil
}

// Reject permanently deletes a staged submission and notifies the
// submitter (best-effort).
func (m *CogManager) Reject(
	ctx context.Context,
	submissionID string,
	reason string,
) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	submission, ok := m.pending[submissionID]
	if !ok {
		return ErrSubmissionNotFound
	}

	if err := os.Remove(m.stagedSourcePath(submission.ID)); err != nil &&
		!errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("error deleting staged cog: %w", err)
	}
	if err := os.Remove(m.sidecarPath(submission.ID)); err != nil &&
		!errors.Is(err, os.ErrNotExist) {
		m.logger.WarnContext(
			ctx,
			"error deleting submission sidecar",
			"submission", submission,
			tint.Err(err),
		)
	}
	delete(m.pending, submission.ID)

	updates := map[string]any{"state": CogSubmissionStateRejected}
	if reason != "" {
		updates["error"] = reason
	}
	if _, err := m.db.UpdatesWhere(
		ctx, &CogSubmission{}, updates, "id = ?", submission.ID,
	); err != nil {
		m.logger.ErrorContext(
			ctx,
			"error updating submission record",
			"submission", submission,
			tint.Err(err),
		)
	}

	content := fmt.Sprintf("Your cog `%s` was rejected.", submission.ModuleName)
	if reason != "" {
		content = fmt.Sprintf("%s Reason: %s", content, reason)
	}
	m.notify(ctx, submission.SubmitterID, content)
	m.logger.InfoContext(ctx, "rejected cog submission", "submission", submission)
	return nil
}

// ListPending returns staged submissions, oldest first.
func (m *CogManager) ListPending() []PendingCogSubmission {
	m.mu.Lock()
	defer m.mu.Unlock()
	pending := make([]PendingCogSubmission, 0, len(m.pending))
	for _, submission := range m.pending {
		pending = append(pending, *submission)
	}
	sort.Slice(
		pending, func(i, j int) bool {
			return pending[i].SubmittedAt < pending[j].SubmittedAt
		},
	)
	return pending
}

// LoadAll loads every cog source in the live directory. A cog that fails
// to load is logged and skipped; it does not prevent other cogs (or the
// bot) from starting.
func (m *CogManager) LoadAll(ctx context.Context) {
	m.mu.Lock()
	defer m.mu.Unlock()

	entries, err := os.ReadDir(m.config.Dir)
	if err != nil {
		m.logger.ErrorContext(
			ctx,
			"error reading cog directory",
			"dir", m.config.Dir,
			tint.Err(err),
		)
		return
	}
	loaded := 0
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), cogSourceExt) {
			continue
		}
		path := filepath.Join(m.config.Dir, entry.Name())
		if _, err = m.load(ctx, path, ""); err != nil {
			m.logger.ErrorContext(
				ctx,
				"error loading cog at startup",
				"path", path,
				tint.Err(err),
			)
			continue
		}
		loaded++
	}
	m.logger.InfoContext(ctx, "startup cog load finished", "loaded", loaded)
}

// loadPendingSidecars rebuilds the in-memory pending map from sidecar
// files in the staging directory.
func (m *CogManager) loadPendingSidecars() error {
	entries, err := os.ReadDir(m.config.PendingDir)
	if err != nil {
		return fmt.Errorf("error reading pending cog directory: %w", err)
	}
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), cogSidecarExt) {
			continue
		}
		path := filepath.Join(m.config.PendingDir, entry.Name())
		data, readErr := os.ReadFile(path)
		if readErr != nil {
			m.logger.Warn(
				"error reading submission sidecar",
				"path", path,
				tint.Err(readErr),
			)
			continue
		}
		var submission PendingCogSubmission
		if unmarshalErr := json.Unmarshal(data, &submission); unmarshalErr != nil {
			m.logger.Warn(
				"error parsing submission sidecar",
				"path", path,
				tint.Err(unmarshalErr),
			)
			continue
		}
		if _, statErr := os.Stat(
			m.stagedSourcePath(submission.ID),
		); statErr != nil {
			m.logger.Warn(
				"sidecar has no staged source, skipping",
				"submission", submission,
			)
			continue
		}
		m.pending[submission.ID] = &submission
	}
	return nil
}

func (m *CogManager) stagedSourcePath(submissionID string) string {
	return filepath.Join(m.config.PendingDir, submissionID+cogSourceExt)
}

func (m *CogManager) sidecarPath(submissionID string) string {
	return filepath.Join(m.config.PendingDir, submissionID+cogSidecarExt)
}

func (m *CogManager) liveSourcePath(moduleName string) string {
	return filepath.Join(m.config.Dir, moduleName+cogSourceExt)
}

func (m *CogManager) writeSidecar(submission *PendingCogSubmission) error {
	data, err := json.MarshalIndent(submission, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(m.sidecarPath(submission.ID), data, 0644)
}

func (m *CogManager) recordSubmissionError(
	ctx context.Context,
	submissionID string,
	loadErr error,
) {
	if _, err := m.db.UpdatesWhere(
		ctx,
		&CogSubmission{},
		map[string]any{"error": loadErr.Error()},
		"id = ?",
		submissionID,
	); err != nil {
		m.logger.ErrorContext(
			ctx,
			"error recording submission load error",
			"submission_id", submissionID,
			tint.Err(err),
		)
	}
}

// notify sends a best-effort DM; failures are logged and swallowed.
func (m *CogManager) notify(ctx context.Context, userID string, content string) {
	if m.notifyUser == nil || userID == "" {
		return
	}
	if err := m.notifyUser(ctx, userID, content); err != nil {
		m.logger.WarnContext(
			ctx,
			"error notifying user",
			tint.Err(NotificationError{UserID: userID, Err: err}),
		)
	}
}

// syncCogCommands triggers an application command re-sync so newly
// registered (or dropped) cog commands show up in Discord. Failures are
// logged; the cog is already loaded either way.
func (m *CogManager) syncCogCommands(ctx context.Context) {
	if m.syncCommands == nil {
		return
	}
	if err := m.syncCommands(ctx); err != nil {
		m.logger.ErrorContext(
			ctx,
			"error syncing application commands",
			tint.Err(err),
		)
	}
}
