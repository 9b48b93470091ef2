// ABOUTME: token, pair, and hash-password subcommands for issuing credentials
// ABOUTME: pair renders the bridge address and a node token as a terminal QR code

package main

import (
	"bufio"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/skip2/go-qrcode"
	"github.com/spf13/cobra"

	"github.com/2389/switchboard/internal/auth"
	"github.com/2389/switchboard/internal/config"
)

// defaultTokenTTL is 30 days.
const defaultTokenTTL = 30 * 24 * time.Hour

func newTokenCmd() *cobra.Command {
	var (
		subject string
		role    string
		ttl     time.Duration
	)
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Mint a signed token for a client or node",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if role != auth.RoleOperator && role != auth.RoleNode {
				return fmt.Errorf("--role must be %s or %s", auth.RoleOperator, auth.RoleNode)
			}
			cfg, err := config.Load(configPath)
			if err != nil {
				return fmt.Errorf("loading config: %w", err)
			}
			if cfg.Auth.JWTSecret == "" {
				return fmt.Errorf("auth.jwt_secret not configured in %s", configPath)
			}

			token, err := auth.NewJWTVerifier([]byte(cfg.Auth.JWTSecret)).Generate(subject, role, ttl)
			if err != nil {
				return fmt.Errorf("generating token: %w", err)
			}
			fmt.Fprintln(cmd.OutOrStdout(), token)
			return nil
		},
	}
	cmd.Flags().StringVar(&subject, "subject", "", "principal the token identifies (required)")
	cmd.Flags().StringVar(&role, "role", auth.RoleOperator, "token role: operator or node")
	cmd.Flags().DurationVar(&ttl, "ttl", defaultTokenTTL, "token lifetime")
	_ = cmd.MarkFlagRequired("subject")
	return cmd
}

// pairingURI encodes what a node needs to reach the bridge.
func pairingURI(bridgeAddr, nodeID, token string) string {
	q := url.Values{}
	q.Set("node", nodeID)
	if token != "" {
		q.Set("token", token)
	}
	u := url.URL{Scheme: "switchboard", Host: bridgeAddr, RawQuery: q.Encode()}
	return u.String()
}

// nodeCredential picks the credential a paired node presents in its hello.
func nodeCredential(cfg *config.Config, nodeID string, ttl time.Duration) (string, error) {
	switch {
	case cfg.Auth.JWTSecret != "":
		return auth.NewJWTVerifier([]byte(cfg.Auth.JWTSecret)).Generate(nodeID, auth.RoleNode, ttl)
	case cfg.Auth.Mode == "token":
		return cfg.Auth.Token, nil
	case cfg.Auth.Mode == "password":
		return "", errors.New("password auth cannot be paired; configure auth.jwt_secret or token mode")
	default:
		return "", nil
	}
}

func newPairCmd() *cobra.Command {
	var (
		nodeID string
		host   string
		ttl    time.Duration
	)
	cmd := &cobra.Command{
		Use:   "pair",
		Short: "Print a QR code that pairs a bridge node with this gateway",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return fmt.Errorf("loading config: %w", err)
			}

			token, err := nodeCredential(cfg, nodeID, ttl)
			if err != nil {
				return err
			}
			addr := cfg.Server.BridgeAddr
			if host != "" {
				addr = host
			}
			uri := pairingURI(addr, nodeID, token)

			code, err := qrcode.New(uri, qrcode.Medium)
			if err != nil {
				return fmt.Errorf("generating QR code: %w", err)
			}
			out := cmd.OutOrStdout()
			fmt.Fprintln(out, code.ToSmallString(false))
			fmt.Fprintln(out, uri)
			return nil
		},
	}
	cmd.Flags().StringVar(&nodeID, "node-id", "", "id the node will use in its hello (required)")
	cmd.Flags().StringVar(&host, "host", "", "bridge address to advertise instead of server.bridge_addr")
	cmd.Flags().DurationVar(&ttl, "ttl", defaultTokenTTL, "node token lifetime when signing with jwt_secret")
	_ = cmd.MarkFlagRequired("node-id")
	return cmd
}

func newHashPasswordCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "hash-password",
		Short: "Read a password from stdin and print its bcrypt hash for auth.password",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			line, err := bufio.NewReader(cmd.InOrStdin()).ReadString('\n')
			password := strings.TrimRight(line, "\r\n")
			if password == "" {
				if err != nil {
					return fmt.Errorf("reading password: %w", err)
				}
				return errors.New("password is empty")
			}

			hash, err := auth.HashPassword(password)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), hash)
			return nil
		},
	}
}
