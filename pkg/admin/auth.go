package admin

import (
	"context"
	"crypto/subtle"
	"net/http"
	"strings"

	"github.com/jdziat/job-reliability/pkg/core"
)

func withActor(ctx context.Context, actor string) context.Context {
	return context.WithValue(ctx, actorKey{}, actor)
}

func actorFrom(ctx context.Context) string {
	actor, _ := ctx.Value(actorKey{}).(string)
	return actor
}

// Operator is a token holder and the actions it may perform.
type Operator struct {
	Name    string   `yaml:"name"`
	Token   string   `yaml:"token"`
	Actions []Action `yaml:"actions"`
}

// TokenAuthorizer authenticates bearer tokens against a fixed operator list.
type TokenAuthorizer struct {
	operators []Operator
}

// NewTokenAuthorizer creates an Authorizer over operators.
func NewTokenAuthorizer(operators ...Operator) *TokenAuthorizer {
	return &TokenAuthorizer{operators: operators}
}

// Identify implements Authorizer.
func (a *TokenAuthorizer) Identify(r *http.Request) (string, error) {
	token, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
	if !ok || token == "" {
		return "", core.ErrUnauthorized
	}
	if op := a.lookup(token); op != nil {
		return op.Name, nil
	}
	return "", core.ErrUnauthorized
}

// Allow implements Authorizer.
func (a *TokenAuthorizer) Allow(_ *http.Request, actor string, action Action) error {
	for _, op := range a.operators {
		if op.Name != actor {
			continue
		}
		for _, allowed := range op.Actions {
			if allowed == action || allowed == "*" {
				return nil
			}
		}
	}
	return core.ErrUnauthorized
}

func (a *TokenAuthorizer) lookup(token string) *Operator {
	var found *Operator
	for i := range a.operators {
		op := &a.operators[i]
		if subtle.ConstantTimeCompare([]byte(op.Token), []byte(token)) == 1 {
			found = op
		}
	}
	return found
}
