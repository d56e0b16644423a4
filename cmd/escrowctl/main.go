package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"milestonemarket/crypto"
	"milestonemarket/gateway/auth"
)

var milestoneActions = map[string]bool{
	"agree": true, "deposit": true, "request": true, "release": true,
	"dispute": true, "resolve": true, "cancel-dispute": true, "claim": true,
}

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

func run(argv []string, stdout, stderr io.Writer) int {
	defaultAPI := strings.TrimSpace(os.Getenv("ESCROW_API_URL"))
	if defaultAPI == "" {
		defaultAPI = "http://127.0.0.1:8080"
	}

	root := flag.NewFlagSet("escrowctl", flag.ContinueOnError)
	root.SetOutput(stderr)
	api := root.String("api", defaultAPI, "escrowd base URL")
	token := root.String("auth", strings.TrimSpace(os.Getenv("ESCROW_TOKEN")), "bearer token for authenticated calls")
	as := root.String("as", strings.TrimSpace(os.Getenv("ESCROW_CALLER")), "caller address when escrowd runs without authentication")
	if err := root.Parse(argv); err != nil {
		return 2
	}
	args := root.Args()
	if len(args) == 0 {
		fmt.Fprintln(stderr, usage())
		return 1
	}
	c := newClient(*api, *token, *as)

	var (
		out json.RawMessage
		err error
	)
	switch args[0] {
	case "token":
		return runTokenCommand(args[1:], stdout, stderr)
	case "keygen":
		return runKeygenCommand(args[1:], stdout, stderr)
	case "registry":
		out, err = c.do(http.MethodGet, "/v1/registry", nil, nil)
	case "policy":
		out, err = runPolicyCommand(c, args[1:])
	case "operator":
		out, err = runOperatorCommand(c, args[1:])
	case "create":
		fs := flag.NewFlagSet("create", flag.ContinueOnError)
		meta := fs.String("meta", "", "escrow description")
		payment := fs.String("payment", "0", "native creation fee paid with the call")
		if err := fs.Parse(args[1:]); err != nil {
			return 2
		}
		out, err = c.do(http.MethodPost, "/v1/escrows", nil, map[string]string{"meta": *meta, "payment": *payment})
	case "escrows":
		out, err = c.do(http.MethodGet, "/v1/escrows", nil, nil)
	case "positions":
		if len(args) < 2 {
			return fail(stderr, "usage: positions <originator>")
		}
		out, err = c.do(http.MethodGet, "/v1/originators/"+args[1]+"/positions", nil, nil)
	case "escrow":
		if len(args) < 2 {
			return fail(stderr, "usage: escrow <address>")
		}
		out, err = c.do(http.MethodGet, "/v1/escrows/"+args[1], nil, nil)
	case "destroy":
		if len(args) < 2 {
			return fail(stderr, "usage: destroy <address>")
		}
		out, err = c.do(http.MethodDelete, "/v1/escrows/"+args[1], nil, nil)
	case "count":
		if len(args) < 3 {
			return fail(stderr, "usage: count <escrow> <state>")
		}
		out, err = c.do(http.MethodGet, "/v1/escrows/"+args[1]+"/counts/"+args[2], nil, nil)
	case "milestones":
		if len(args) < 2 {
			return fail(stderr, "usage: milestones <escrow>")
		}
		out, err = c.do(http.MethodGet, "/v1/escrows/"+args[1]+"/milestones", nil, nil)
	case "milestone":
		out, err = runMilestoneCommand(c, args[1:])
	case "locks":
		out, err = c.do(http.MethodGet, "/v1/locks", nil, nil)
	case "lock":
		if len(args) < 2 {
			return fail(stderr, "usage: lock <id>")
		}
		out, err = c.do(http.MethodGet, "/v1/locks/"+args[1], nil, nil)
	case "tokens":
		out, err = c.do(http.MethodGet, "/v1/tokens", nil, nil)
	case "balance":
		if len(args) < 3 {
			return fail(stderr, "usage: balance <token> <address>")
		}
		out, err = c.do(http.MethodGet, "/v1/tokens/"+args[1]+"/balances/"+args[2], nil, nil)
	case "allowance":
		if len(args) < 4 {
			return fail(stderr, "usage: allowance <token> <owner> <spender>")
		}
		out, err = c.do(http.MethodGet, "/v1/tokens/"+args[1]+"/allowances/"+args[2]+"/"+args[3], nil, nil)
	case "mint", "transfer", "approve":
		out, err = runTokenMutation(c, args[0], args[1:])
	case "events", "export":
		fs := flag.NewFlagSet(args[0], flag.ContinueOnError)
		fs.SetOutput(stderr)
		eventType := fs.String("type", "", "event type filter")
		escrow := fs.String("escrow", "", "escrow address filter")
		after := fs.Uint64("after", 0, "return events after this sequence")
		limit := fs.Int("limit", 0, "maximum number of events")
		outPath := fs.String("out", "events.parquet", "export destination")
		if err := fs.Parse(args[1:]); err != nil {
			return 2
		}
		query := url.Values{}
		if *eventType != "" {
			query.Set("type", *eventType)
		}
		if *escrow != "" {
			query.Set("escrow", *escrow)
		}
		if *after > 0 {
			query.Set("after", strconv.FormatUint(*after, 10))
		}
		if *limit > 0 {
			query.Set("limit", strconv.Itoa(*limit))
		}
		if args[0] == "events" {
			out, err = c.do(http.MethodGet, "/v1/events", query, nil)
			break
		}
		data, exportErr := c.do(http.MethodGet, "/v1/events/export", query, nil)
		if exportErr != nil {
			return fail(stderr, exportErr.Error())
		}
		if err := os.WriteFile(*outPath, data, 0o644); err != nil {
			return fail(stderr, err.Error())
		}
		fmt.Fprintf(stdout, "wrote %d bytes to %s\n", len(data), *outPath)
		return 0
	case "webhook":
		out, err = runWebhookCommand(c, args[1:])
	case "advance":
		if len(args) < 2 {
			return fail(stderr, "usage: advance <duration, e.g. 24h>")
		}
		d, parseErr := time.ParseDuration(args[1])
		if parseErr != nil {
			return fail(stderr, fmt.Sprintf("invalid duration %q", args[1]))
		}
		out, err = c.do(http.MethodPost, "/v1/clock/advance", nil, map[string]int64{"seconds": int64(d / time.Second)})
	default:
		fmt.Fprintf(stderr, "unknown command: %s\n", args[0])
		fmt.Fprintln(stderr, usage())
		return 1
	}
	if err != nil {
		return fail(stderr, err.Error())
	}
	if err := printJSON(stdout, out); err != nil {
		return fail(stderr, fmt.Sprintf("print response: %v", err))
	}
	return 0
}

func runPolicyCommand(c *client, args []string) (json.RawMessage, error) {
	if len(args) == 0 {
		return nil, fmt.Errorf("usage: policy lock --duration D | policy fee --recipient A --flat N --percent P")
	}
	switch args[0] {
	case "lock":
		fs := flag.NewFlagSet("policy lock", flag.ContinueOnError)
		duration := fs.Duration("duration", 7*24*time.Hour, "vesting window")
		if err := fs.Parse(args[1:]); err != nil {
			return nil, err
		}
		return c.do(http.MethodPut, "/v1/registry/lock-policy", nil, map[string]int64{"durationSeconds": int64(*duration / time.Second)})
	case "fee":
		fs := flag.NewFlagSet("policy fee", flag.ContinueOnError)
		recipient := fs.String("recipient", "", "fee recipient address")
		flat := fs.String("flat", "0", "native creation fee")
		percent := fs.Uint64("percent", 0, "release fee percentage (0-100)")
		if err := fs.Parse(args[1:]); err != nil {
			return nil, err
		}
		return c.do(http.MethodPut, "/v1/registry/fee-policy", nil, map[string]any{
			"recipient":  *recipient,
			"flatFee":    *flat,
			"percentFee": *percent,
		})
	default:
		return nil, fmt.Errorf("unknown policy subcommand: %s", args[0])
	}
}

func runWebhookCommand(c *client, args []string) (json.RawMessage, error) {
	if len(args) == 0 {
		return nil, fmt.Errorf("usage: webhook add|list|remove|attempts")
	}
	switch args[0] {
	case "add":
		fs := flag.NewFlagSet("webhook add", flag.ContinueOnError)
		target := fs.String("url", "", "delivery endpoint")
		secret := fs.String("secret", "", "HMAC signing secret")
		eventType := fs.String("type", "", "event type, empty for all")
		perMinute := fs.Int("rate", 0, "deliveries per minute")
		if err := fs.Parse(args[1:]); err != nil {
			return nil, err
		}
		return c.do(http.MethodPost, "/v1/webhooks", nil, map[string]any{
			"url": *target, "secret": *secret, "eventType": *eventType, "rateLimit": *perMinute,
		})
	case "list":
		return c.do(http.MethodGet, "/v1/webhooks", nil, nil)
	case "remove", "attempts":
		if len(args) != 2 {
			return nil, fmt.Errorf("usage: webhook %s <id>", args[0])
		}
		if args[0] == "remove" {
			return c.do(http.MethodDelete, "/v1/webhooks/"+url.PathEscape(args[1]), nil, nil)
		}
		return c.do(http.MethodGet, "/v1/webhooks/"+url.PathEscape(args[1])+"/attempts", nil, nil)
	default:
		return nil, fmt.Errorf("unknown webhook command %q", args[0])
	}
}

func runOperatorCommand(c *client, args []string) (json.RawMessage, error) {
	if len(args) < 2 || (args[0] != "add" && args[0] != "remove") {
		return nil, fmt.Errorf("usage: operator add|remove <address>")
	}
	return c.do(http.MethodPut, "/v1/registry/operators/"+args[1], nil, map[string]bool{"enabled": args[0] == "add"})
}

func runMilestoneCommand(c *client, args []string) (json.RawMessage, error) {
	if len(args) < 2 {
		return nil, fmt.Errorf("usage: milestone create|update|get|<action> <escrow> [index] [options]")
	}
	sub, escrow := args[0], args[1]
	base := "/v1/escrows/" + escrow + "/milestones"
	switch {
	case sub == "create":
		terms, err := parseTerms("milestone create", args[2:])
		if err != nil {
			return nil, err
		}
		return c.do(http.MethodPost, base, nil, terms)
	case sub == "update":
		if len(args) < 3 {
			return nil, fmt.Errorf("usage: milestone update <escrow> <index> [options]")
		}
		terms, err := parseTerms("milestone update", args[3:])
		if err != nil {
			return nil, err
		}
		return c.do(http.MethodPut, base+"/"+args[2], nil, terms)
	case sub == "get":
		if len(args) < 3 {
			return nil, fmt.Errorf("usage: milestone get <escrow> <index>")
		}
		return c.do(http.MethodGet, base+"/"+args[2], nil, nil)
	case milestoneActions[sub]:
		if len(args) < 3 {
			return nil, fmt.Errorf("usage: milestone %s <escrow> <index>", sub)
		}
		return c.do(http.MethodPost, base+"/"+args[2]+"/"+sub, nil, nil)
	default:
		return nil, fmt.Errorf("unknown milestone subcommand: %s", sub)
	}
}

func parseTerms(name string, args []string) (map[string]any, error) {
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	token := fs.String("token", "", "payment token address")
	participant := fs.String("participant", "", "participant address")
	amount := fs.String("amount", "", "milestone amount")
	due := fs.Int64("due", 0, "due date as unix seconds")
	meta := fs.String("meta", "", "milestone description")
	if err := fs.Parse(args); err != nil {
		return nil, err
	}
	return map[string]any{
		"token":       *token,
		"participant": *participant,
		"amount":      *amount,
		"dueAt":       *due,
		"meta":        *meta,
	}, nil
}

func runTokenMutation(c *client, op string, args []string) (json.RawMessage, error) {
	if len(args) == 0 || strings.HasPrefix(args[0], "-") {
		return nil, fmt.Errorf("usage: %s <token> --to <address> --amount <n>", op)
	}
	token := args[0]
	fs := flag.NewFlagSet(op, flag.ContinueOnError)
	target := fs.String("to", "", "recipient (mint, transfer) or spender (approve)")
	amount := fs.String("amount", "", "amount")
	if err := fs.Parse(args[1:]); err != nil {
		return nil, err
	}
	body := map[string]string{"amount": *amount}
	if op == "approve" {
		body["spender"] = *target
	} else {
		body["to"] = *target
	}
	return c.do(http.MethodPost, "/v1/tokens/"+token+"/"+op, nil, body)
}

// runTokenCommand issues a development bearer token using the shared HMAC
// secret. The subject is either the positional address or the address held in
// --keystore.
func runTokenCommand(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("token", flag.ContinueOnError)
	fs.SetOutput(stderr)
	secret := fs.String("secret", os.Getenv("ESCROW_JWT_SECRET"), "HMAC secret shared with escrowd")
	issuer := fs.String("issuer", "", "issuer claim")
	audience := fs.String("audience", "", "audience claim")
	scopes := fs.String("scopes", "", "space separated scopes")
	ttl := fs.Duration("ttl", time.Hour, "token lifetime")
	keyfile := fs.String("keystore", "", "derive the subject from this keystore file, or from the identity of this address in the key directory")
	passphrase := fs.String("passphrase", os.Getenv("ESCROW_KEY_PASSPHRASE"), "keystore passphrase")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	var subject common.Address
	switch rest := fs.Args(); {
	case *keyfile != "":
		path, err := keystorePath(*keyfile)
		if err != nil {
			return fail(stderr, err.Error())
		}
		secret, err := resolvePassphrase(*passphrase, stderr)
		if err != nil {
			return fail(stderr, err.Error())
		}
		key, err := crypto.LoadFromKeystore(path, secret)
		if err != nil {
			return fail(stderr, err.Error())
		}
		subject = key.Address()
	case len(rest) == 1:
		addr, err := crypto.ParseAddress(rest[0])
		if err != nil {
			return fail(stderr, err.Error())
		}
		subject = addr
	default:
		return fail(stderr, "usage: token [options] <address>")
	}
	signed, err := auth.Issue(auth.Config{HMACSecret: *secret, Issuer: *issuer, Audience: *audience},
		subject, strings.Fields(*scopes), *ttl)
	if err != nil {
		return fail(stderr, err.Error())
	}
	fmt.Fprintln(stdout, signed)
	return 0
}

// runKeygenCommand creates a new identity and stores it in a keystore file.
// Without a path the file goes to the key directory, named by address.
func runKeygenCommand(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("keygen", flag.ContinueOnError)
	fs.SetOutput(stderr)
	passphrase := fs.String("passphrase", os.Getenv("ESCROW_KEY_PASSPHRASE"), "keystore passphrase")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if fs.NArg() > 1 {
		return fail(stderr, "usage: keygen [--passphrase P] [path]")
	}
	secret, err := resolvePassphrase(*passphrase, stderr)
	if err != nil {
		return fail(stderr, err.Error())
	}
	key, err := crypto.GeneratePrivateKey()
	if err != nil {
		return fail(stderr, err.Error())
	}
	addr := key.Address()
	path := fs.Arg(0)
	if path == "" {
		dir, err := crypto.DefaultKeyDir()
		if err != nil {
			return fail(stderr, err.Error())
		}
		path = crypto.KeyFile(dir, addr)
	}
	if err := crypto.SaveToKeystore(path, key, secret); err != nil {
		return fail(stderr, err.Error())
	}
	if err := printJSON(stdout, mustJSON(map[string]string{
		"address": addr.Hex(),
		"bech32":  crypto.EncodeBech32(addr),
		"path":    path,
	})); err != nil {
		return fail(stderr, err.Error())
	}
	return 0
}

// keystorePath resolves --keystore: an address selects its identity file in
// the key directory, anything else is a file path.
func keystorePath(value string) (string, error) {
	addr, err := crypto.ParseAddress(value)
	if err != nil {
		return value, nil
	}
	dir, err := crypto.DefaultKeyDir()
	if err != nil {
		return "", err
	}
	return crypto.KeyFile(dir, addr), nil
}

func mustJSON(v any) json.RawMessage {
	data, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	return data
}

func fail(stderr io.Writer, msg string) int {
	fmt.Fprintln(stderr, msg)
	return 1
}

func printJSON(w io.Writer, raw json.RawMessage) error {
	if len(raw) == 0 {
		_, err := fmt.Fprintln(w, "ok")
		return err
	}
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return err
	}
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(w, string(data))
	return err
}

func usage() string {
	return `escrowctl usage:
  escrowctl [--api URL] [--auth TOKEN] [--as ADDRESS] <command> [options]

Commands:
  keygen [--passphrase P] [path]                 Create a keystore-backed identity
  token [--secret S] [--ttl 1h] <address>        Issue a bearer token for an address
  token --keystore PATH|ADDR [--passphrase P]    Issue a token for a keystore identity
  registry                                       Show registry policy and operators
  policy lock --duration 168h                    Set the vesting window (owner)
  policy fee --recipient A --flat N --percent P  Set the fee policy (owner)
  operator add|remove <address>                  Manage dispute operators (owner)
  create --meta M --payment N                    Create an escrow instance
  escrows | escrow <address> | positions <originator>
  destroy <escrow>                               Destroy a fully released escrow
  count <escrow> <state>                         Count milestones in a state
  milestones <escrow>
  milestone create <escrow> --token T --participant P --amount N --due TS --meta M
  milestone update <escrow> <index> [same options]
  milestone get <escrow> <index>
  milestone agree|deposit|request|release|dispute|resolve|cancel-dispute|claim <escrow> <index>
  locks | lock <id>
  tokens | balance <token> <address> | allowance <token> <owner> <spender>
  mint|transfer|approve <token> --to A --amount N
  events [--type T] [--escrow E] [--after N] [--limit N]
  export [same filters] [--out events.parquet]  Download indexed events as parquet
  webhook add --url U --secret S [--type T] [--rate N]
  webhook list | remove <id> | attempts <id>
  advance <duration>                             Move the simulated clock (owner)`
}
