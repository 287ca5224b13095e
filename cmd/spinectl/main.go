// Command spinectl is the operator console for a running integrity spine:
// review escalations, verify or resume the audit chain and reconcile
// ledger anchors.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/fatih/color"

	"integrityspine/pkg/anchor"
	"integrityspine/pkg/escalation"
	"integrityspine/pkg/httpx"
)

// Testable variables for main()
var (
	osExit     = os.Exit
	httpClient = &http.Client{Timeout: 15 * time.Second}
)

func main() {
	if err := run(os.Args[1:], os.Stdout); err != nil {
		log.Print(err)
		osExit(1)
	}
}

func run(args []string, out io.Writer) error {
	if len(args) < 2 {
		usage(out)
		return errors.New("command required")
	}
	switch args[0] + " " + args[1] {
	case "escalation list":
		return listEscalations(args[2:], out)
	case "escalation get":
		return getEscalation(args[2:], out)
	case "escalation approve":
		return resolveEscalation(args[2:], escalation.OutcomeApprove, out)
	case "escalation deny":
		return resolveEscalation(args[2:], escalation.OutcomeDeny, out)
	case "audit verify":
		return verifyAudit(args[2:], out)
	case "audit resume":
		return resumeAudit(args[2:], out)
	case "anchor get":
		return getAnchor(args[2:], out)
	case "anchor reconcile":
		return reconcileAnchor(args[2:], out)
	case "anchor failed":
		return failedAnchors(args[2:], out)
	default:
		usage(out)
		return fmt.Errorf("unknown command: %s", strings.Join(args[:2], " "))
	}
}

func usage(out io.Writer) {
	fmt.Fprintln(out, "spinectl commands:")
	fmt.Fprintln(out, "  escalation list [--status pending]")
	fmt.Fprintln(out, "  escalation get <id>")
	fmt.Fprintln(out, "  escalation approve|deny <id> --role governance|compliance [--actor id]")
	fmt.Fprintln(out, "  audit verify")
	fmt.Fprintln(out, "  audit resume --operator <id>")
	fmt.Fprintln(out, "  anchor get <hash>")
	fmt.Fprintln(out, "  anchor reconcile <hash> --operator <id>")
	fmt.Fprintln(out, "  anchor failed [--limit 100]")
	fmt.Fprintln(out, "every command accepts --url (SPINE_URL) and --token (SPINE_TOKEN)")
}

// client carries the connection flags shared by every command.
type client struct {
	baseURL string
	token   string
}

func newFlagSet(name string) (*flag.FlagSet, *client) {
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	c := &client{}
	fs.StringVar(&c.baseURL, "url", envOr("SPINE_URL", "http://localhost:8090"), "spine base URL")
	fs.StringVar(&c.token, "token", os.Getenv("SPINE_TOKEN"), "bearer token")
	return fs, c
}

func envOr(k, def string) string {
	if v := strings.TrimSpace(os.Getenv(k)); v != "" {
		return v
	}
	return def
}

// positional splits a leading argument off so flags may follow it.
func positional(args []string, what string) (string, []string, error) {
	if len(args) == 0 || strings.HasPrefix(args[0], "-") {
		return "", nil, fmt.Errorf("%s required", what)
	}
	return args[0], args[1:], nil
}

type apiError struct {
	Status int
	Code   string `json:"code"`
	Msg    string `json:"error"`
}

func (e *apiError) Error() string {
	if e.Code == "" {
		return fmt.Sprintf("spine: status %d: %s", e.Status, e.Msg)
	}
	return fmt.Sprintf("spine: %s (%d): %s", e.Code, e.Status, e.Msg)
}

// call sends body as JSON and decodes a 2xx reply into out. 409 replies
// that carry a payload are decoded too and returned with the error.
func (c *client) call(method, path string, body, out any) error {
	var raw []byte
	if body != nil {
		var err error
		if raw, err = json.Marshal(body); err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
	}
	headers := map[string]string{}
	if c.token != "" {
		headers["Authorization"] = "Bearer " + c.token
	}
	ctx, cancel := context.WithTimeout(context.Background(), httpClient.Timeout)
	defer cancel()
	status, resp, err := httpx.RequestJSON(ctx, httpClient, method, strings.TrimRight(c.baseURL, "/")+path, raw, headers, 0, 0)
	if err != nil {
		return err
	}
	if status/100 != 2 {
		apiErr := &apiError{Status: status}
		if json.Unmarshal(resp, apiErr) != nil || apiErr.Msg == "" {
			apiErr.Msg = strings.TrimSpace(string(resp))
		}
		if status == http.StatusConflict && out != nil {
			_ = json.Unmarshal(resp, out)
		}
		return apiErr
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(resp, out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

func statusColor(status string) *color.Color {
	switch status {
	case escalation.StatusApproved, anchor.StatusVerified, "ok":
		return color.New(color.FgGreen)
	case escalation.StatusDenied, anchor.StatusFailed, "violation":
		return color.New(color.FgRed)
	case escalation.StatusExpired:
		return color.New(color.FgHiBlack)
	default:
		return color.New(color.FgYellow)
	}
}

func printEscalation(out io.Writer, rec escalation.Record) {
	fmt.Fprintf(out, "%s  %s\n", rec.ID, statusColor(rec.Status()).Sprint(rec.Status()))
	fmt.Fprintf(out, "  viewer=%s asset=%s reason=%s\n", rec.ViewerID, rec.AssetID, rec.Reason)
	switch st := rec.State.(type) {
	case escalation.Pending:
		for _, role := range []escalation.Role{escalation.RoleGovernance, escalation.RoleCompliance} {
			who := st.Approvals[role]
			if who == "" {
				who = "-"
			}
			fmt.Fprintf(out, "  %-10s %s\n", role, who)
		}
	case escalation.Approved:
		fmt.Fprintf(out, "  governance %s\n  compliance %s\n", st.Governance, st.Compliance)
	case escalation.Denied:
		fmt.Fprintf(out, "  denied by  %s (%s)\n", st.By, st.Role)
	}
	if !rec.Terminal() {
		fmt.Fprintf(out, "  expires    %s\n", rec.ExpiresAt.Format(time.RFC3339))
	}
}

func printAnchor(out io.Writer, a anchor.Anchor) {
	fmt.Fprintf(out, "%s  %s\n", a.CorrelationHash, statusColor(a.Status).Sprint(a.Status))
	fmt.Fprintf(out, "  event=%s public=%s(%s) private=%s(%s) retries=%d\n",
		a.EventID, a.TxPublic, a.PublicStatus, a.TxPrivate, a.PrivateStatus, a.RetryCount)
	if a.LastError != "" {
		color.New(color.FgRed).Fprintf(out, "  last error: %s\n", a.LastError)
	}
}

func listEscalations(args []string, out io.Writer) error {
	fs, c := newFlagSet("escalation list")
	status := fs.String("status", escalation.StatusPending, "status filter")
	limit := fs.Int("limit", 100, "max records")
	if err := fs.Parse(args); err != nil {
		return err
	}
	var resp struct {
		Escalations []escalation.Record `json:"escalations"`
	}
	q := url.Values{"status": {*status}, "limit": {fmt.Sprint(*limit)}}
	if err := c.call(http.MethodGet, "/v1/escalations?"+q.Encode(), nil, &resp); err != nil {
		return err
	}
	for _, rec := range resp.Escalations {
		printEscalation(out, rec)
	}
	fmt.Fprintf(out, "%d %s escalations\n", len(resp.Escalations), *status)
	return nil
}

func getEscalation(args []string, out io.Writer) error {
	id, rest, err := positional(args, "escalation id")
	if err != nil {
		return err
	}
	fs, c := newFlagSet("escalation get")
	if err := fs.Parse(rest); err != nil {
		return err
	}
	var rec escalation.Record
	if err := c.call(http.MethodGet, "/v1/escalations/"+url.PathEscape(id), nil, &rec); err != nil {
		return err
	}
	printEscalation(out, rec)
	return nil
}

func resolveEscalation(args []string, outcome string, out io.Writer) error {
	id, rest, err := positional(args, "escalation id")
	if err != nil {
		return err
	}
	fs, c := newFlagSet("escalation " + outcome)
	role := fs.String("role", "", "governance or compliance")
	actor := fs.String("actor", os.Getenv("USER"), "reviewer id; ignored when the spine authenticates")
	if err := fs.Parse(rest); err != nil {
		return err
	}
	if !escalation.ValidRole(escalation.Role(*role)) {
		return fmt.Errorf("role must be %s or %s", escalation.RoleGovernance, escalation.RoleCompliance)
	}
	var rec escalation.Record
	err = c.call(http.MethodPost, "/v1/escalations/"+url.PathEscape(id)+"/resolve", escalation.Approval{
		Role:    escalation.Role(*role),
		ActorID: *actor,
		Outcome: outcome,
	}, &rec)
	if err != nil {
		return err
	}
	printEscalation(out, rec)
	return nil
}

type chainReport struct {
	OK        bool            `json:"ok"`
	Report    json.RawMessage `json:"report,omitempty"`
	Violation *struct {
		Seq     int64  `json:"seq"`
		EntryID string `json:"entry_id"`
		Reason  string `json:"reason"`
	} `json:"violation,omitempty"`
}

func printChain(out io.Writer, rep chainReport) {
	if rep.Violation != nil {
		statusColor("violation").Fprintf(out, "chain broken at seq %d (%s): %s\n", rep.Violation.Seq, rep.Violation.EntryID, rep.Violation.Reason)
		return
	}
	statusColor("ok").Fprintln(out, "chain ok")
	if len(rep.Report) > 0 {
		fmt.Fprintf(out, "  %s\n", rep.Report)
	}
}

func verifyAudit(args []string, out io.Writer) error {
	fs, c := newFlagSet("audit verify")
	if err := fs.Parse(args); err != nil {
		return err
	}
	var rep chainReport
	err := c.call(http.MethodGet, "/v1/audit/verify", nil, &rep)
	if rep.Violation != nil {
		printChain(out, rep)
		return errors.New("audit chain failed verification")
	}
	if err != nil {
		return err
	}
	printChain(out, rep)
	return nil
}

func resumeAudit(args []string, out io.Writer) error {
	fs, c := newFlagSet("audit resume")
	operator := fs.String("operator", os.Getenv("USER"), "operator id")
	if err := fs.Parse(args); err != nil {
		return err
	}
	var rep chainReport
	err := c.call(http.MethodPost, "/v1/audit/resume", map[string]string{"operator": *operator}, &rep)
	if rep.Violation != nil {
		printChain(out, rep)
		return errors.New("audit chain still fails verification")
	}
	if err != nil {
		return err
	}
	printChain(out, rep)
	return nil
}

func getAnchor(args []string, out io.Writer) error {
	hash, rest, err := positional(args, "correlation hash")
	if err != nil {
		return err
	}
	fs, c := newFlagSet("anchor get")
	if err := fs.Parse(rest); err != nil {
		return err
	}
	var a anchor.Anchor
	if err := c.call(http.MethodGet, "/v1/anchors/"+url.PathEscape(hash), nil, &a); err != nil {
		return err
	}
	printAnchor(out, a)
	return nil
}

func reconcileAnchor(args []string, out io.Writer) error {
	hash, rest, err := positional(args, "correlation hash")
	if err != nil {
		return err
	}
	fs, c := newFlagSet("anchor reconcile")
	operator := fs.String("operator", os.Getenv("USER"), "operator id")
	if err := fs.Parse(rest); err != nil {
		return err
	}
	var a anchor.Anchor
	if err := c.call(http.MethodPost, "/v1/anchors/"+url.PathEscape(hash)+"/reconcile", map[string]string{"operator": *operator}, &a); err != nil {
		return err
	}
	printAnchor(out, a)
	return nil
}

func failedAnchors(args []string, out io.Writer) error {
	fs, c := newFlagSet("anchor failed")
	limit := fs.Int("limit", 100, "max anchors")
	if err := fs.Parse(args); err != nil {
		return err
	}
	var resp struct {
		Anchors []anchor.Anchor `json:"anchors"`
	}
	q := url.Values{"status": {anchor.StatusFailed}, "limit": {fmt.Sprint(*limit)}}
	if err := c.call(http.MethodGet, "/v1/anchors?"+q.Encode(), nil, &resp); err != nil {
		return err
	}
	for _, a := range resp.Anchors {
		printAnchor(out, a)
	}
	fmt.Fprintf(out, "%d failed anchors\n", len(resp.Anchors))
	return nil
}
