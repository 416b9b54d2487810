package cli

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/allyourbase/smsd/internal/cli/ui"
	"github.com/allyourbase/smsd/internal/sms"
	"github.com/spf13/cobra"
)

var sendCmd = &cobra.Command{
	Use:   "send <phone>",
	Short: "Send one templated SMS",
	Long: `Send one templated SMS through the running server.

Examples:
  smsd send 13800138000 --template SMS_123 --param code=123456
  smsd send +8613800138000 -t SMS_123 -p name=Li -p order=42 --sign-name Shop`,
	Args: cobra.ExactArgs(1),
	RunE: runSend,
}

var batchCmd = &cobra.Command{
	Use:   "batch <phone>...",
	Short: "Send one template to many recipients",
	Long: `Send one template to many recipients in a single request.

--param values are shared by every recipient. To give each recipient its
own values, pass --params-file with a JSON array of objects, one per phone.

Examples:
  smsd batch 13800138000 13900139000 -t SMS_123 -p code=1234
  smsd batch 13800138000 13900139000 -t SMS_123 --params-file params.json`,
	Args: cobra.MinimumNArgs(1),
	RunE: runBatch,
}

var verifyCmd = &cobra.Command{
	Use:   "verify <phone> <code>",
	Short: "Send a verification code with the configured template",
	Args:  cobra.ExactArgs(2),
	RunE:  runVerify,
}

var statusCmd = &cobra.Command{
	Use:   "status <message-id>",
	Short: "Query the delivery status of a sent message",
	Long: `Query the vendor for the delivery status of a sent message.

Both vendors index receipts by recipient, so --phone is usually required.

Examples:
  smsd status 900619746936498440^0 --phone 13800138000 --date 2026-10-18`,
	Args: cobra.ExactArgs(1),
	RunE: runStatus,
}

var historyCmd = &cobra.Command{
	Use:   "history <phone>",
	Short: "List delivery receipts for a phone number",
	Long: `List delivery receipts for a phone number between --start and --end.

Both flags accept RFC 3339 timestamps or YYYY-MM-DD dates. The default
window is the 24 hours before --end (or now).`,
	Args: cobra.ExactArgs(1),
	RunE: runHistory,
}

var rateLimitCmd = &cobra.Command{
	Use:   "ratelimit",
	Short: "Inspect or reset per-number rate limits",
}

var rateLimitStatusCmd = &cobra.Command{
	Use:   "status <phone>",
	Short: "Show the rate limit window for a phone number",
	Args:  cobra.ExactArgs(1),
	RunE:  runRateLimitStatus,
}

var rateLimitResetCmd = &cobra.Command{
	Use:   "reset <phone>",
	Short: "Clear the rate limit window for a phone number",
	Args:  cobra.ExactArgs(1),
	RunE:  runRateLimitReset,
}

var healthCmd = &cobra.Command{
	Use:   "health",
	Short: "Check whether the server is up",
	Args:  cobra.NoArgs,
	RunE:  runHealth,
}

func init() {
	for _, c := range []*cobra.Command{sendCmd, batchCmd} {
		c.Flags().StringP("template", "t", "", "Vendor template ID (required)")
		c.Flags().StringToStringP("param", "p", nil, "Template parameter as key=value (repeatable)")
		c.Flags().String("sign-name", "", "Signature override (default sms.sign_name)")
		c.MarkFlagRequired("template") //nolint:errcheck
	}
	batchCmd.Flags().String("params-file", "", "JSON file with one parameter object per recipient")

	statusCmd.Flags().String("phone", "", "Recipient phone number")
	statusCmd.Flags().String("date", "", "Send date (YYYY-MM-DD)")

	historyCmd.Flags().String("start", "", "Window start (RFC 3339 or YYYY-MM-DD)")
	historyCmd.Flags().String("end", "", "Window end (RFC 3339 or YYYY-MM-DD)")

	rateLimitCmd.AddCommand(rateLimitStatusCmd)
	rateLimitCmd.AddCommand(rateLimitResetCmd)
}

// postJSON sends body to path and decodes a 2xx response into out.
func postJSON(cmd *cobra.Command, path string, body, out any) error {
	data, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("encoding request: %w", err)
	}
	resp, respBody, err := apiRequest(cmd, http.MethodPost, path, bytes.NewReader(data))
	if err != nil {
		return err
	}
	if resp.StatusCode != http.StatusOK {
		return serverError(resp.StatusCode, respBody)
	}
	if err := json.Unmarshal(respBody, out); err != nil {
		return fmt.Errorf("parsing response: %w", err)
	}
	return nil
}

// getJSON fetches path and decodes a 200 response into out.
func getJSON(cmd *cobra.Command, path string, out any) error {
	resp, respBody, err := apiRequest(cmd, http.MethodGet, path, nil)
	if err != nil {
		return err
	}
	if resp.StatusCode != http.StatusOK {
		return serverError(resp.StatusCode, respBody)
	}
	if err := json.Unmarshal(respBody, out); err != nil {
		return fmt.Errorf("parsing response: %w", err)
	}
	return nil
}

// withSpinner runs fn behind a step spinner when writing a table to a terminal.
func withSpinner(cmd *cobra.Command, msg string, fn func() (bool, error)) error {
	if outputFormat(cmd) != "table" || !colorEnabled() {
		_, err := fn()
		return err
	}
	return ui.NewStepSpinner(os.Stderr, false).Run(msg, fn)
}

func runSend(cmd *cobra.Command, args []string) error {
	template, _ := cmd.Flags().GetString("template")
	params, _ := cmd.Flags().GetStringToString("param")
	signName, _ := cmd.Flags().GetString("sign-name")

	req := sms.SendRequest{
		PhoneNumber:    args[0],
		TemplateID:     template,
		TemplateParams: params,
		SignName:       signName,
	}

	var res sms.SendResult
	err := withSpinner(cmd, "Sending to "+sms.MaskPhone(args[0])+"...", func() (bool, error) {
		err := postJSON(cmd, "/api/sms/send", req, &res)
		return res.Success, err
	})
	if err != nil {
		return err
	}
	return printSendResult(cmd, res)
}

func runVerify(cmd *cobra.Command, args []string) error {
	body := map[string]string{"phone_number": args[0], "code": args[1]}

	var res sms.SendResult
	err := withSpinner(cmd, "Sending code to "+sms.MaskPhone(args[0])+"...", func() (bool, error) {
		err := postJSON(cmd, "/api/sms/verification-code", body, &res)
		return res.Success, err
	})
	if err != nil {
		return err
	}
	return printSendResult(cmd, res)
}

// printSendResult renders a single result. A failed send is an error so the
// exit status reflects it.
func printSendResult(cmd *cobra.Command, res sms.SendResult) error {
	switch outputFormat(cmd) {
	case "json":
		if err := writeJSON(os.Stdout, res); err != nil {
			return err
		}
	case "csv":
		if err := writeCSV(os.Stdout, sendResultCols, [][]string{sendResultRow(res)}); err != nil {
			return err
		}
	default:
		if res.Success {
			fmt.Printf("%s %s\n", boldGreen("Sent to", colorEnabledFd(os.Stdout.Fd())), res.PhoneNumber)
			fmt.Printf("  Message ID: %s\n", res.MessageID)
			if res.RequestID != "" {
				fmt.Printf("  Request ID: %s\n", res.RequestID)
			}
			if res.Attempts > 1 {
				fmt.Printf("  Attempts:   %d\n", res.Attempts)
			}
		}
	}
	if !res.Success {
		return fmt.Errorf("send failed: %s: %s", res.Code, res.Message)
	}
	return nil
}

var sendResultCols = []string{"PHONE", "SUCCESS", "MESSAGE_ID", "CODE", "MESSAGE", "ATTEMPTS"}

func sendResultRow(r sms.SendResult) []string {
	return []string{
		r.PhoneNumber,
		strconv.FormatBool(r.Success),
		r.MessageID,
		r.Code,
		r.Message,
		strconv.Itoa(r.Attempts),
	}
}

func runBatch(cmd *cobra.Command, args []string) error {
	template, _ := cmd.Flags().GetString("template")
	params, _ := cmd.Flags().GetStringToString("param")
	signName, _ := cmd.Flags().GetString("sign-name")
	paramsFile, _ := cmd.Flags().GetString("params-file")

	req := sms.BatchSendRequest{
		PhoneNumbers: args,
		TemplateID:   template,
		SignName:     signName,
	}
	switch {
	case paramsFile != "" && len(params) > 0:
		return fmt.Errorf("--param and --params-file are mutually exclusive")
	case paramsFile != "":
		perRecipient, err := readParamsFile(paramsFile)
		if err != nil {
			return err
		}
		if len(perRecipient) != len(args) {
			return fmt.Errorf("%s has %d parameter sets for %d phone numbers", paramsFile, len(perRecipient), len(args))
		}
		req.TemplateParams = perRecipient
	case len(params) > 0:
		req.TemplateParams = []map[string]string{params}
	}

	var res sms.BatchSendResult
	err := withSpinner(cmd, fmt.Sprintf("Sending to %d recipients...", len(args)), func() (bool, error) {
		err := postJSON(cmd, "/api/sms/batch", req, &res)
		return res.Success, err
	})
	if err != nil {
		return err
	}

	rows := make([][]string, 0, len(res.Results))
	for _, r := range res.Results {
		rows = append(rows, sendResultRow(r))
	}

	switch outputFormat(cmd) {
	case "json":
		if err := writeJSON(os.Stdout, res); err != nil {
			return err
		}
	case "csv":
		if err := writeCSV(os.Stdout, sendResultCols, rows); err != nil {
			return err
		}
	default:
		printTable(sendResultCols, rows)
		fmt.Printf("\n%d sent, %d failed\n", res.SuccessCount, res.FailedCount)
	}
	if !res.Success {
		return fmt.Errorf("batch failed: no recipient was sent to")
	}
	return nil
}

func readParamsFile(path string) ([]map[string]string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading params file: %w", err)
	}
	var out []map[string]string
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, fmt.Errorf("parsing params file: %w", err)
	}
	return out, nil
}

var deliveryCols = []string{"MESSAGE_ID", "PHONE", "STATUS", "SENT", "RECEIVED", "ERROR"}

func deliveryRow(d sms.DeliveryStatusResult) []string {
	return []string{d.MessageID, d.PhoneNumber, string(d.Status), formatTime(d.SendTime), formatTime(d.ReceiveTime), d.ErrorCode}
}

func formatTime(t *time.Time) string {
	if t == nil {
		return ""
	}
	return t.Local().Format("2006-01-02 15:04:05")
}

func runStatus(cmd *cobra.Command, args []string) error {
	q := url.Values{}
	if v, _ := cmd.Flags().GetString("phone"); v != "" {
		q.Set("phone", v)
	}
	if v, _ := cmd.Flags().GetString("date"); v != "" {
		q.Set("date", v)
	}
	path := "/api/sms/messages/" + url.PathEscape(args[0]) + "/status"
	if len(q) > 0 {
		path += "?" + q.Encode()
	}

	var res sms.DeliveryStatusResult
	if err := getJSON(cmd, path, &res); err != nil {
		return err
	}
	return printDeliveries(cmd, res, []sms.DeliveryStatusResult{res})
}

func runHistory(cmd *cobra.Command, args []string) error {
	q := url.Values{"phone": {args[0]}}
	if v, _ := cmd.Flags().GetString("start"); v != "" {
		q.Set("start", v)
	}
	if v, _ := cmd.Flags().GetString("end"); v != "" {
		q.Set("end", v)
	}

	var items []sms.DeliveryStatusResult
	if err := getJSON(cmd, "/api/sms/history?"+q.Encode(), &items); err != nil {
		return err
	}
	if err := printDeliveries(cmd, items, items); err != nil {
		return err
	}
	if outputFormat(cmd) == "table" {
		fmt.Printf("\n%s\n", summarizeDeliveries(items, colorEnabledFd(os.Stdout.Fd())))
	}
	return nil
}

var summaryOrder = []sms.DeliveryStatus{
	sms.StatusDelivered, sms.StatusSent, sms.StatusPending,
	sms.StatusFailed, sms.StatusRejected, sms.StatusUnknown,
}

// summarizeDeliveries counts receipts per status, e.g.
// "3 receipt(s): 2 DELIVERED, 1 FAILED".
func summarizeDeliveries(items []sms.DeliveryStatusResult, c bool) string {
	counts := make(map[sms.DeliveryStatus]int)
	for _, d := range items {
		counts[d.Status]++
	}
	out := fmt.Sprintf("%d receipt(s)", len(items))
	sep := ": "
	for _, st := range summaryOrder {
		if n := counts[st]; n > 0 {
			out += fmt.Sprintf("%s%d %s", sep, n, statusColor(st, c))
			sep = ", "
		}
	}
	return out
}

func printDeliveries(cmd *cobra.Command, raw any, items []sms.DeliveryStatusResult) error {
	rows := make([][]string, 0, len(items))
	for _, d := range items {
		rows = append(rows, deliveryRow(d))
	}
	switch outputFormat(cmd) {
	case "json":
		return writeJSON(os.Stdout, raw)
	case "csv":
		return writeCSV(os.Stdout, deliveryCols, rows)
	default:
		printTable(deliveryCols, rows)
		return nil
	}
}

type rateLimitStatus struct {
	Allowed   bool       `json:"allowed"`
	Count     int        `json:"count"`
	Remaining int        `json:"remaining"`
	Total     int        `json:"total"`
	ResetAt   *time.Time `json:"reset_at,omitempty"`
}

func runRateLimitStatus(cmd *cobra.Command, args []string) error {
	var st rateLimitStatus
	if err := getJSON(cmd, "/api/sms/rate-limit/"+url.PathEscape(args[0]), &st); err != nil {
		return err
	}

	reset := ""
	if st.ResetAt != nil {
		reset = st.ResetAt.Local().Format(time.RFC3339)
	}
	switch outputFormat(cmd) {
	case "json":
		return writeJSON(os.Stdout, st)
	case "csv":
		return writeCSV(os.Stdout,
			[]string{"ALLOWED", "COUNT", "REMAINING", "TOTAL", "RESET_AT"},
			[][]string{{strconv.FormatBool(st.Allowed), strconv.Itoa(st.Count), strconv.Itoa(st.Remaining), strconv.Itoa(st.Total), reset}})
	default:
		c := colorEnabledFd(os.Stdout.Fd())
		state := green("allowed", c)
		if !st.Allowed {
			state = yellow("limited", c)
		}
		fmt.Printf("%s: %s (%d of %d used, %d remaining)\n", args[0], state, st.Count, st.Total, st.Remaining)
		if reset != "" {
			fmt.Printf("  Window resets at %s\n", reset)
		}
		return nil
	}
}

func runRateLimitReset(cmd *cobra.Command, args []string) error {
	resp, body, err := apiRequest(cmd, http.MethodDelete, "/api/sms/rate-limit/"+url.PathEscape(args[0]), nil)
	if err != nil {
		return err
	}
	if resp.StatusCode != http.StatusNoContent {
		return serverError(resp.StatusCode, body)
	}
	if outputFormat(cmd) == "json" {
		return writeJSON(os.Stdout, map[string]any{"phone_number": args[0], "reset": true})
	}
	fmt.Printf("Rate limit reset for %s\n", args[0])
	return nil
}

func runHealth(cmd *cobra.Command, args []string) error {
	var h struct {
		Status        string `json:"status"`
		Provider      string `json:"provider"`
		UptimeSeconds int    `json:"uptime_seconds"`
	}
	if err := getJSON(cmd, "/health", &h); err != nil {
		return err
	}
	if outputFormat(cmd) == "json" {
		return writeJSON(os.Stdout, h)
	}
	uptime := time.Duration(h.UptimeSeconds) * time.Second
	fmt.Printf("%s %s (provider %s, up %s)\n", ui.SymbolCheck, h.Status, h.Provider, uptime)
	return nil
}

// printTable writes an aligned table to stdout.
func printTable(cols []string, rows [][]string) {
	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, strings.Join(cols, "\t"))
	fmt.Fprintln(w, strings.Repeat("---\t", len(cols)))
	for _, row := range rows {
		fmt.Fprintln(w, strings.Join(row, "\t"))
	}
	w.Flush()
}
