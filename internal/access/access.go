// Package access implements the allow-list and premium-list checks
// ("adminUserId / access lists") plus an optional CEL policy
// expression for finer-grained admission than a flat id list. The
// CEL usage is grounded on
// _examples/88lin-divinesense/server/router/api/v1/user_service_crud.go's
// extractUsernameFromFilter/extractUsernameFromAST, generalized from
// "parse one comparison out of a gRPC filter string" to "evaluate a
// boolean policy expression over one chat's admission variables" — a
// cel.NewEnv/env.Compile/prg.Eval pipeline rather than that file's
// narrower AST-walking pipeline, since a policy needs an actual
// true/false verdict rather than one extracted literal.
package access

import (
	"bufio"
	"context"
	"os"
	"strings"
	"sync"

	"github.com/google/cel-go/cel"
	"github.com/pkg/errors"
	"golang.org/x/sync/singleflight"
)

// List is a newline-separated, trimmed set of ids loaded from a file. A
// missing file yields an empty set rather than an error, matching
// "absent means nobody" default for optional lists.
type List struct {
	path string
	once sync.Once
	sf   singleflight.Group
	mu   sync.RWMutex
	ids  map[string]struct{}
}

// NewList creates a lazily-loaded List backed by path. The file is read
// at most once, on first Contains call, via singleflight so concurrent
// callers racing the initial load share one file read.
func NewList(path string) *List {
	return &List{path: path}
}

func (l *List) ensureLoaded() {
	l.once.Do(func() {
		_, _, _ = l.sf.Do("load", func() (any, error) {
			l.load()
			return nil, nil
		})
	})
}

func (l *List) load() {
	ids := make(map[string]struct{})
	defer func() {
		l.mu.Lock()
		l.ids = ids
		l.mu.Unlock()
	}()

	if l.path == "" {
		return
	}
	f, err := os.Open(l.path)
	if err != nil {
		return // missing file -> empty set
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		ids[line] = struct{}{}
	}
}

// Contains reports whether id is present in the list.
func (l *List) Contains(id string) bool {
	l.ensureLoaded()
	l.mu.RLock()
	defer l.mu.RUnlock()
	_, ok := l.ids[id]
	return ok
}

// Reload forces the next Contains call to re-read the file, used by the
// admin API's "reload access lists" operation.
func (l *List) Reload() {
	l.mu.Lock()
	l.ids = nil
	l.mu.Unlock()
	l.once = sync.Once{}
}

// Subject is the set of facts a policy expression can evaluate over.
type Subject struct {
	ChatID   string
	Username string
	Premium  bool
}

// Policy is a compiled CEL boolean expression evaluated against a
// Subject's fields (chat_id, username, premium).
type Policy struct {
	prg cel.Program
}

// CompilePolicy compiles expr (e.g. `premium || username == 'steven'`)
// against chat_id/username/premium variables. A blank expr compiles to
// an always-true policy (no additional restriction beyond the id
// lists).
func CompilePolicy(expr string) (*Policy, error) {
	expr = strings.TrimSpace(expr)
	if expr == "" {
		expr = "true"
	}
	env, err := cel.NewEnv(
		cel.Variable("chat_id", cel.StringType),
		cel.Variable("username", cel.StringType),
		cel.Variable("premium", cel.BoolType),
	)
	if err != nil {
		return nil, errors.Wrap(err, "access: failed to create CEL environment")
	}
	ast, issues := env.Compile(expr)
	if issues != nil && issues.Err() != nil {
		return nil, errors.Wrapf(issues.Err(), "access: invalid policy expression %q", expr)
	}
	prg, err := env.Program(ast)
	if err != nil {
		return nil, errors.Wrap(err, "access: failed to build CEL program")
	}
	return &Policy{prg: prg}, nil
}

// Allow evaluates the policy against subject. A non-boolean result or an
// evaluation error is treated as deny — access decisions fail closed.
func (p *Policy) Allow(subject Subject) bool {
	if p == nil {
		return true
	}
	out, _, err := p.prg.Eval(map[string]any{
		"chat_id":  subject.ChatID,
		"username": subject.Username,
		"premium":  subject.Premium,
	})
	if err != nil {
		return false
	}
	b, ok := out.Value().(bool)
	return ok && b
}

// Checker combines the allow-list, premium-list and an optional policy
// into one admission decision for the event batcher ("a
// chat id not on the allow list is dropped before it reaches the
// executor").
type Checker struct {
	allowed *List
	premium *List
	policy  *Policy
}

// NewChecker builds a Checker. policy may be nil (no extra restriction
// beyond the two lists).
func NewChecker(allowedPath, premiumPath string, policy *Policy) *Checker {
	return &Checker{allowed: NewList(allowedPath), premium: NewList(premiumPath), policy: policy}
}

// IsAllowed reports whether chatID/username may reach the executor.
// With a non-blank allowedPath, chatID or username must be on the allow
// list, so a missing or empty allow-list file admits nobody; a blank
// allowedPath skips the list check. The policy, if any, is then
// evaluated with the subject's premium flag.
func (c *Checker) IsAllowed(_ context.Context, chatID, username string) bool {
	premium := c.premium.Contains(chatID) || c.premium.Contains(username)
	if c.allowed.path != "" && !c.allowed.Contains(chatID) && !c.allowed.Contains(username) {
		return false
	}
	return c.policy.Allow(Subject{ChatID: chatID, Username: username, Premium: premium})
}

// IsPremium reports whether chatID or username is on the premium list
// ("premium chats never expire").
func (c *Checker) IsPremium(chatID, username string) bool {
	return c.premium.Contains(chatID) || c.premium.Contains(username)
}
