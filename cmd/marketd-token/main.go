// Command marketd-token mints and checks marketplace bearer tokens for local
// development and service accounts.
package main

import (
	"flag"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	jwt "github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"nftmarket/cmd/internal/secret"
	"nftmarket/services/marketd/config"
	mw "nftmarket/services/marketd/middleware"
	"nftmarket/services/marketd/models"
)

const (
	mintCommand   = "mint"
	verifyCommand = "verify"
	secretPrompt  = "Enter marketd JWT secret: "
)

type mintOptions struct {
	Subject  string
	Role     string
	Issuer   string
	Audience []string
	TTL      time.Duration
	Now      time.Time
}

func main() {
	if len(os.Args) < 2 {
		usage(os.Stderr)
		os.Exit(1)
	}
	source := secret.NewSource(config.EnvJWTSecret, secretPrompt)

	var err error
	switch os.Args[1] {
	case mintCommand:
		err = runMint(os.Args[2:], source, os.Stdout)
	case verifyCommand:
		err = runVerify(os.Args[2:], source, os.Stdout)
	default:
		usage(os.Stderr)
		os.Exit(1)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func usage(w io.Writer) {
	fmt.Fprintf(w, "usage: marketd-token <%s|%s> [flags]\n", mintCommand, verifyCommand)
}

func runMint(args []string, source *secret.Source, out io.Writer) error {
	fs := flag.NewFlagSet(mintCommand, flag.ContinueOnError)
	subject := fs.String("sub", "", "User id to embed as the subject (random when empty)")
	role := fs.String("role", models.RoleUser, "Role claim: user, admin or service")
	issuer := fs.String("iss", "", "Issuer claim")
	audience := fs.String("aud", "", "Comma separated audience claim")
	ttl := fs.Duration("ttl", time.Hour, "Token lifetime")
	if err := fs.Parse(args); err != nil {
		return err
	}
	key, err := source.Get()
	if err != nil {
		return err
	}
	token, err := mint(key, mintOptions{
		Subject:  *subject,
		Role:     *role,
		Issuer:   *issuer,
		Audience: splitList(*audience),
		TTL:      *ttl,
		Now:      time.Now(),
	})
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(out, token)
	return err
}

func runVerify(args []string, source *secret.Source, out io.Writer) error {
	fs := flag.NewFlagSet(verifyCommand, flag.ContinueOnError)
	issuer := fs.String("iss", "", "Expected issuer")
	audience := fs.String("aud", "", "Comma separated accepted audiences")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() != 1 {
		return fmt.Errorf("%s expects exactly one token argument", verifyCommand)
	}
	key, err := source.Get()
	if err != nil {
		return err
	}
	principal, err := verify(key, *issuer, splitList(*audience), fs.Arg(0))
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(out, "subject=%s role=%s\n", principal.UserID, principal.Role)
	return err
}

func mint(key string, opts mintOptions) (string, error) {
	subject := strings.TrimSpace(opts.Subject)
	if subject == "" {
		subject = uuid.NewString()
	} else if _, err := uuid.Parse(subject); err != nil {
		return "", fmt.Errorf("subject must be a uuid: %w", err)
	}
	switch opts.Role {
	case models.RoleUser, models.RoleAdmin, models.RoleService:
	default:
		return "", fmt.Errorf("unknown role %q", opts.Role)
	}
	if opts.TTL <= 0 {
		return "", fmt.Errorf("ttl must be positive")
	}
	now := opts.Now
	if now.IsZero() {
		now = time.Now()
	}
	claims := jwt.MapClaims{
		"sub":  subject,
		"role": opts.Role,
		"iat":  now.Unix(),
		"exp":  now.Add(opts.TTL).Unix(),
	}
	if opts.Issuer != "" {
		claims["iss"] = opts.Issuer
	}
	if len(opts.Audience) > 0 {
		claims["aud"] = opts.Audience
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(key))
}

func verify(key, issuer string, audience []string, token string) (mw.Principal, error) {
	auth, err := mw.NewAuthenticator(mw.AuthConfig{HMACSecret: key, Issuer: issuer, Audience: audience}, nil, nil)
	if err != nil {
		return mw.Principal{}, err
	}
	return auth.Authenticate(strings.TrimSpace(token))
}

func splitList(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}
