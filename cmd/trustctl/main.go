package main

import (
	"crypto/ed25519"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"strings"
	"time"

	"trustcore/pkg/auth"
	"trustcore/pkg/models"
)

// Testable variables for main()
var osExit = os.Exit

func main() {
	if err := run(os.Args[1:], os.Stdout); err != nil {
		log.Print(err)
		osExit(1)
	}
}

func run(args []string, out io.Writer) error {
	if len(args) == 0 {
		usage(out)
		return errors.New("command required")
	}
	switch args[0] {
	case "gen-key":
		return genKey(args[1:], out)
	case "gen-token":
		return genToken(args[1:], out)
	case "hash-payload":
		return hashPayload(args[1:], out)
	case "verify-chain":
		return verifyChain(args[1:], out)
	case "sign-confirmation":
		return signConfirmation(args[1:], out)
	default:
		usage(out)
		return fmt.Errorf("unknown command: %s", args[0])
	}
}

func usage(out io.Writer) {
	fmt.Fprintln(out, "trustctl commands:")
	fmt.Fprintln(out, "  gen-key --out-private private.key --out-public public.key")
	fmt.Fprintln(out, "  gen-token --secret <hs256 secret> --sub <user> --tenant <tenant> [--roles a,b] [--ttl 1h]")
	fmt.Fprintln(out, "  hash-payload --payload payload.json")
	fmt.Fprintln(out, "  verify-chain --records records.json")
	fmt.Fprintln(out, "  sign-confirmation --confirmation conf.json --private private.key --out conf.signed.json")
}

func newFlagSet(name string) *flag.FlagSet {
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	return fs
}

func genKey(args []string, out io.Writer) error {
	fs := newFlagSet("gen-key")
	outPriv := fs.String("out-private", "private.key", "private key output")
	outPub := fs.String("out-public", "public.key", "public key output")
	if err := fs.Parse(args); err != nil {
		return err
	}

	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return fmt.Errorf("generate key: %w", err)
	}
	if err := os.WriteFile(*outPriv, []byte(base64.StdEncoding.EncodeToString(priv)), 0o600); err != nil {
		return fmt.Errorf("write private key: %w", err)
	}
	if err := os.WriteFile(*outPub, []byte(base64.StdEncoding.EncodeToString(pub)), 0o600); err != nil {
		return fmt.Errorf("write public key: %w", err)
	}
	fmt.Fprintf(out, "wrote %s and %s\n", *outPriv, *outPub)
	return nil
}

// genToken mints an HS256 bearer for development against AUTH_MODE=hs256.
func genToken(args []string, out io.Writer) error {
	fs := newFlagSet("gen-token")
	secret := fs.String("secret", "", "HS256 secret")
	sub := fs.String("sub", "", "subject user id")
	tenant := fs.String("tenant", "", "tenant id")
	roles := fs.String("roles", "", "comma-separated role keys")
	ttl := fs.Duration("ttl", time.Hour, "token lifetime")
	issuer := fs.String("iss", "", "issuer claim")
	audience := fs.String("aud", "", "audience claim")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *secret == "" || *sub == "" || *tenant == "" {
		return errors.New("secret, sub, tenant required")
	}
	now := time.Now().UTC()
	claims := auth.TokenClaims{
		Sub:    *sub,
		Tenant: *tenant,
		Iss:    *issuer,
		Iat:    now.Unix(),
		Exp:    now.Add(*ttl).Unix(),
	}
	if *audience != "" {
		claims.Aud = *audience
	}
	for _, r := range strings.Split(*roles, ",") {
		if r = strings.TrimSpace(r); r != "" {
			claims.Roles = append(claims.Roles, r)
		}
	}
	header := base64.RawURLEncoding.EncodeToString([]byte(`{"alg":"HS256","typ":"JWT"}`))
	payloadJSON, err := json.Marshal(claims)
	if err != nil {
		return fmt.Errorf("encode claims: %w", err)
	}
	payload := base64.RawURLEncoding.EncodeToString(payloadJSON)
	mac := hmac.New(sha256.New, []byte(*secret))
	_, _ = mac.Write([]byte(header + "." + payload))
	sig := base64.RawURLEncoding.EncodeToString(mac.Sum(nil))
	fmt.Fprintln(out, header+"."+payload+"."+sig)
	return nil
}

func hashPayload(args []string, out io.Writer) error {
	fs := newFlagSet("hash-payload")
	payloadPath := fs.String("payload", "", "payload json file")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *payloadPath == "" {
		return errors.New("payload required")
	}
	raw, err := os.ReadFile(*payloadPath)
	if err != nil {
		return fmt.Errorf("read payload: %w", err)
	}
	canon, err := models.CanonicalizeJSON(raw)
	if err != nil {
		return fmt.Errorf("canonicalize payload: %w", err)
	}
	fmt.Fprintln(out, models.HashHex(canon))
	return nil
}

// verifyChain checks an exported tenant chain offline: per-record digests
// plus prev_hash linkage in seq order.
func verifyChain(args []string, out io.Writer) error {
	fs := newFlagSet("verify-chain")
	recordsPath := fs.String("records", "", "JSON array of audit records in seq order")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *recordsPath == "" {
		return errors.New("records required")
	}
	raw, err := os.ReadFile(*recordsPath)
	if err != nil {
		return fmt.Errorf("read records: %w", err)
	}
	var records []models.AuditRecord
	if err := json.Unmarshal(raw, &records); err != nil {
		return fmt.Errorf("decode records: %w", err)
	}
	if len(records) == 0 {
		return errors.New("no records to verify")
	}
	prev := records[0].PrevHash
	breaks := 0
	for i, rec := range records {
		if rec.PrevHash != prev {
			fmt.Fprintf(out, "seq %d: prev_hash mismatch\n", rec.Seq)
			breaks++
		}
		digest, err := models.RecordDigest(rec)
		if err != nil {
			return fmt.Errorf("digest seq %d: %w", rec.Seq, err)
		}
		if digest != rec.CurrHash {
			fmt.Fprintf(out, "seq %d: curr_hash mismatch\n", rec.Seq)
			breaks++
		}
		if i > 0 && rec.Seq != records[i-1].Seq+1 {
			fmt.Fprintf(out, "seq %d: gap after %d\n", rec.Seq, records[i-1].Seq)
			breaks++
		}
		prev = rec.CurrHash
	}
	if breaks > 0 {
		return fmt.Errorf("chain invalid: %d break(s) across %d records", breaks, len(records))
	}
	fmt.Fprintf(out, "chain valid: %d records\n", len(records))
	return nil
}

func signConfirmation(args []string, out io.Writer) error {
	fs := newFlagSet("sign-confirmation")
	confPath := fs.String("confirmation", "", "confirmation json path")
	privatePath := fs.String("private", "", "base64 private key path")
	outPath := fs.String("out", "conf.signed.json", "output path")
	kid := fs.String("kid", "", "key id to stamp")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *confPath == "" || *privatePath == "" {
		return errors.New("confirmation and private required")
	}
	confRaw, err := os.ReadFile(*confPath)
	if err != nil {
		return fmt.Errorf("read confirmation: %w", err)
	}
	var conf auth.SignedConfirmation
	if err := json.Unmarshal(confRaw, &conf); err != nil {
		return fmt.Errorf("decode confirmation: %w", err)
	}
	if conf.SignedAt == "" {
		conf.SignedAt = time.Now().UTC().Format(time.RFC3339)
	}
	if *kid != "" {
		conf.Kid = *kid
	}
	pkRaw, err := os.ReadFile(*privatePath)
	if err != nil {
		return fmt.Errorf("read private key: %w", err)
	}
	privBytes, err := base64.StdEncoding.DecodeString(string(pkRaw))
	if err != nil {
		return fmt.Errorf("decode private key: %w", err)
	}
	if len(privBytes) != ed25519.PrivateKeySize {
		return fmt.Errorf("decode private key: invalid size %d", len(privBytes))
	}
	payload, err := auth.ConfirmationPayload(conf)
	if err != nil {
		return fmt.Errorf("confirmation payload: %w", err)
	}
	sig := ed25519.Sign(ed25519.PrivateKey(privBytes), payload)
	conf.Sig = base64.StdEncoding.EncodeToString(sig)

	encoded, err := json.MarshalIndent(conf, "", "  ")
	if err != nil {
		return fmt.Errorf("encode signed confirmation: %w", err)
	}
	if err := os.WriteFile(*outPath, encoded, 0o600); err != nil {
		return fmt.Errorf("write signed confirmation: %w", err)
	}
	fmt.Fprintf(out, "wrote %s\n", *outPath)
	return nil
}
