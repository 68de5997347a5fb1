// ABOUTME: Permission views and credential resolution
// ABOUTME: Maps static tokens, bcrypt token hashes, and JWT subjects to views

package view

import (
	"crypto/subtle"
	"errors"
	"fmt"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/crypto/bcrypt"

	"github.com/knowbase/kbm/internal/config"
	"github.com/knowbase/kbm/internal/errs"
)

// View is a named projection of units a caller may touch. Credentials
// never carry permissions themselves; a view is the only grant.
type View struct {
	Name  string
	Read  []string
	Write []string
}

// CanRead reports whether the view allows reading from the unit.
// Write access implies read access: a caller that can insert into a unit
// can always read back what it wrote.
func (v *View) CanRead(unitID string) bool {
	return contains(v.Read, unitID) || contains(v.Write, unitID)
}

// CanWrite reports whether the view allows writing to the unit.
func (v *View) CanWrite(unitID string) bool { return contains(v.Write, unitID) }

func contains(units []string, id string) bool {
	for _, u := range units {
		if u == id {
			return true
		}
	}
	return false
}

// fromConfig materializes a named view from configuration.
func fromConfig(name string, cfg *config.Config) (*View, error) {
	vc, ok := cfg.View(name)
	if !ok {
		return nil, errs.Permission("view %q is not configured", name)
	}
	// Materialize the write-implies-read rule into the read set so that
	// consumers iterating Read directly (the federation fan-out) see
	// writable units too.
	read := make([]string, 0, len(vc.Read)+len(vc.Write))
	read = append(read, vc.Read...)
	for _, id := range vc.Write {
		if !contains(read, id) {
			read = append(read, id)
		}
	}
	return &View{Name: vc.Name, Read: read, Write: vc.Write}, nil
}

// Resolve maps a presented credential to its configured view. Resolution
// is pure and deterministic: the same credential and configuration always
// yield the same view. Unknown credentials are a permission error, decided
// before any unit is touched.
//
// A credential matches a token entry by plaintext value (constant-time),
// by bcrypt hash, or, when jwt_secret is configured, by the "sub" claim
// of a valid HS256 JWT.
func Resolve(credential string, cfg *config.Config) (*View, error) {
	if credential == "" {
		return nil, errs.Permission("missing credential")
	}

	for _, tok := range cfg.Auth.Tokens {
		switch {
		case tok.Token != "":
			if subtle.ConstantTimeCompare([]byte(tok.Token), []byte(credential)) == 1 {
				return fromConfig(tok.View, cfg)
			}
		case tok.TokenHash != "":
			if bcrypt.CompareHashAndPassword([]byte(tok.TokenHash), []byte(credential)) == nil {
				return fromConfig(tok.View, cfg)
			}
		}
	}

	if cfg.Auth.JWTSecret != "" {
		subject, err := verifyJWT(credential, []byte(cfg.Auth.JWTSecret))
		if err == nil {
			for _, tok := range cfg.Auth.Tokens {
				if tok.Subject != "" && tok.Subject == subject {
					return fromConfig(tok.View, cfg)
				}
			}
			return nil, errs.Permission("subject %q has no configured view", subject)
		}
	}

	return nil, errs.Permission("unknown credential")
}

// Default returns the view used for unauthenticated access when the server
// does not require auth. Absent a configured default_view, access is denied.
func Default(cfg *config.Config) (*View, error) {
	if cfg.Auth.DefaultView == "" {
		return nil, errs.Permission("no credential and no default view configured")
	}
	return fromConfig(cfg.Auth.DefaultView, cfg)
}

// verifyJWT validates an HS256 token and returns its "sub" claim.
func verifyJWT(tokenString string, secret []byte) (string, error) {
	token, err := jwt.Parse(tokenString, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return secret, nil
	})
	if err != nil {
		return "", fmt.Errorf("invalid token: %w", err)
	}
	if !token.Valid {
		return "", errors.New("invalid token")
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return "", errors.New("invalid claims")
	}
	sub, ok := claims["sub"].(string)
	if !ok || sub == "" {
		return "", errors.New("missing sub claim")
	}
	return sub, nil
}
