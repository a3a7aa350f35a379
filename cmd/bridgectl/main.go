// Command bridgectl is the operator tool for a running bridge: provision
// agent tokens, check health, and tail the event log.
package main

import (
	"bytes"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"

	"github.com/lighthouse/bridge/internal/auth"
)

const version = "1.0.0"

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(64)
	}

	bridgeURL := os.Getenv("LIGHTHOUSE_URL")
	if bridgeURL == "" {
		bridgeURL = "http://localhost:8765"
	}

	switch os.Args[1] {
	case "token":
		cmdToken(os.Args[2:])
	case "status":
		cmdStatus(bridgeURL)
	case "events":
		cmdEvents(bridgeURL, os.Args[2:])
	case "version":
		fmt.Printf("bridgectl v%s\n", version)
	case "help", "--help", "-h":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n", os.Args[1])
		printUsage()
		os.Exit(64)
	}
}

func printUsage() {
	fmt.Fprint(os.Stderr, `Usage: bridgectl <command> [flags]

Commands:
  token    mint an agent token from the shared secret
  status   print bridge health
  events   query the event log
  version  print version

Environment:
  LIGHTHOUSE_URL          bridge address (default http://localhost:8765)
  LIGHTHOUSE_AUTH_SECRET  shared HMAC secret, required by token and events
`)
}

// cmdToken mints a token locally. Whoever holds the shared secret can do
// this anyway, so there is no server round trip.
func cmdToken(args []string) {
	fs := flag.NewFlagSet("token", flag.ExitOnError)
	agentID := fs.String("agent", "", "agent id to bind the token to")
	role := fs.String("role", string(auth.RoleAgent), "role: guest|agent|expert_agent|system_agent|admin")
	fs.Parse(args)

	if *agentID == "" {
		fmt.Fprintln(os.Stderr, "token: -agent is required")
		os.Exit(64)
	}
	if !auth.Role(*role).Valid() {
		fmt.Fprintf(os.Stderr, "token: unknown role %q\n", *role)
		os.Exit(64)
	}

	authority, err := auth.NewAuthority(auth.AuthorityConfig{
		Secret: []byte(requireSecret()),
	})
	if err != nil {
		fatal(err)
	}
	token, err := authority.IssueToken(*agentID, auth.Role(*role))
	if err != nil {
		fatal(err)
	}
	fmt.Println(token)
}

func cmdStatus(bridgeURL string) {
	resp, err := http.Get(bridgeURL + "/status")
	if err != nil {
		fatal(err)
	}
	defer resp.Body.Close()

	var status map[string]interface{}
	if err := json.NewDecoder(resp.Body).Decode(&status); err != nil {
		fatal(err)
	}
	pretty, _ := json.MarshalIndent(status, "", "  ")
	fmt.Println(string(pretty))
	if resp.StatusCode != http.StatusOK {
		os.Exit(1)
	}
}

// cmdEvents bootstraps a short-lived session from the shared secret and
// queries the log through the public API.
func cmdEvents(bridgeURL string, args []string) {
	fs := flag.NewFlagSet("events", flag.ExitOnError)
	aggregateID := fs.String("aggregate", "", "filter by aggregate id")
	types := fs.String("types", "", "comma-separated event types")
	limit := fs.Int("limit", 50, "maximum events to return")
	reverse := fs.Bool("reverse", true, "newest first")
	fs.Parse(args)

	authority, err := auth.NewAuthority(auth.AuthorityConfig{
		Secret: []byte(requireSecret()),
	})
	if err != nil {
		fatal(err)
	}
	token, err := authority.IssueToken("bridgectl", auth.RoleSystemAgent)
	if err != nil {
		fatal(err)
	}

	fingerprint := "bridgectl-" + hostname()
	body, _ := json.Marshal(map[string]string{"fingerprint": fingerprint})
	req, _ := http.NewRequest("POST", bridgeURL+"/session/create", bytes.NewReader(body))
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Content-Type", "application/json")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		fatal(err)
	}
	var session struct {
		ID string `json:"session_id"`
	}
	err = json.NewDecoder(resp.Body).Decode(&session)
	resp.Body.Close()
	if err != nil || session.ID == "" {
		fatal(fmt.Errorf("session create failed (status %d)", resp.StatusCode))
	}

	query := fmt.Sprintf("%s/event/query?limit=%d&reverse=%t", bridgeURL, *limit, *reverse)
	if *aggregateID != "" {
		query += "&aggregate_id=" + *aggregateID
	}
	if *types != "" {
		query += "&types=" + *types
	}
	req, _ = http.NewRequest("GET", query, nil)
	req.Header.Set("Authorization", "Bearer "+session.ID)
	req.Header.Set("X-Client-Fingerprint", fingerprint)
	resp, err = http.DefaultClient.Do(req)
	if err != nil {
		fatal(err)
	}
	defer resp.Body.Close()
	io.Copy(os.Stdout, resp.Body)
	fmt.Println()
}

func requireSecret() string {
	secret := os.Getenv("LIGHTHOUSE_AUTH_SECRET")
	if secret == "" {
		fmt.Fprintln(os.Stderr, "LIGHTHOUSE_AUTH_SECRET is not set")
		os.Exit(77)
	}
	return secret
}

func hostname() string {
	h, err := os.Hostname()
	if err != nil || h == "" {
		return "local"
	}
	return h
}

func fatal(err error) {
	fmt.Fprintln(os.Stderr, err)
	os.Exit(1)
}
