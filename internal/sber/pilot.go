// Package sber wraps the Sberbank acquiring terminal's sb_pilot binary,
// the way the rest of this repo wraps a serial device: a small command
// surface (run, acquiring, sync) shelling out to a subprocess instead of
// talking to a port, but with the same KOI8-R-encoded, line-oriented
// reply format to parse either way.
package sber

import (
	"bytes"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/text/encoding/charmap"
)

// Result is the parsed reply from one sb_pilot invocation. Answer holds
// the raw "e"-file lines for callers that need a field this struct
// doesn't surface.
type Result struct {
	Answer     []string `json:"answer"`
	Message    string   `json:"message"`
	Status     string   `json:"status"`
	StatusText string   `json:"status_text"`
}

// AcquiringResult is exec_acquiring's reply: Result plus the transaction
// fields pulled out of fixed e-file line offsets.
type AcquiringResult struct {
	Result
	Type     string  `json:"type"`
	Card     string  `json:"card"`
	Auth     string  `json:"auth"`
	Checkt   string  `json:"checkt"`
	Terminal string  `json:"terminal"`
	Timet    string  `json:"timet"`
	Link     string  `json:"link"`
	Hash     string  `json:"hash"`
	Merchant string  `json:"merchant"`
	Amount   float64 `json:"ammount"`
}

// e-file line indices exec_acquiring pulls fields from.
const (
	lineStatusLine = 0
	lineCard       = 1
	lineAuth       = 3
	lineChecktime  = 4
	lineTerminal   = 7
	lineTimestamp  = 8
	lineLink       = 9
	lineHash       = 10
	lineMerchant   = 13
)

const timestampLayout = "20060102150405"

// statusCancelled is the code sb_pilot reports when the customer backs
// out of the transaction at the terminal.
const statusCancelled = "2000"

// Pilot runs the sb_pilot binary in its install directory and reads back
// the "e" (machine-readable) and "p" (receipt text) files it writes.
type Pilot struct {
	log      *logrus.Entry
	installP string
	binPath  string
}

// New builds a Pilot rooted at installDir, where sb_pilot and its
// support files (upnixmn.out, posScheduler) already live.
func New(installDir string, log *logrus.Entry) *Pilot {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Pilot{
		log:      log,
		installP: installDir,
		binPath:  filepath.Join(installDir, "sb_pilot"),
	}
}

// Run invokes sb_pilot with the given arguments and parses its e/p file
// pair. It is exported directly so the HTTP layer can offer a raw
// "run arbitrary command" route, matching the original service's
// /atm/sber/run endpoint.
func (p *Pilot) Run(args ...string) (Result, error) {
	if err := p.cleanOutputFiles(); err != nil {
		return Result{}, err
	}

	cmd := exec.Command(p.binPath, args...)
	cmd.Dir = p.installP
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return Result{}, fmt.Errorf("sber: sb_pilot %v: %w: %s", args, err, stderr.String())
	}

	lines, err := p.readKOI8Lines("e")
	if err != nil {
		p.log.WithError(err).Warn("sber: terminal produced no answer")
		return Result{Status: "-2", StatusText: "no reply from terminal"}, nil
	}

	message, err := p.readKOI8File("p")
	if err != nil {
		message = "no receipt"
	} else {
		message = strings.TrimRight(message, "\r\n")
	}

	status, statusText := splitStatusLine(lines)
	return Result{
		Answer:     lines,
		Message:    message,
		Status:     status,
		StatusText: statusText,
	}, nil
}

// ExecSync runs the terminal's periodic sync command (argument 7),
// reconciling any batch totals the terminal is holding.
func (p *Pilot) ExecSync() (Result, error) {
	return p.Run("7")
}

// ExecAcquiring charges amount (in rubles) via command 1, scaled by the
// SBERFRAC environment variable (hundredths by default, matching the
// terminal's minor-unit convention).
func (p *Pilot) ExecAcquiring(amount float64) (AcquiringResult, error) {
	frac := 100
	if v := os.Getenv("SBERFRAC"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			frac = n
		}
	}

	res, err := p.Run("1", strconv.Itoa(int(amount*float64(frac))))
	if err != nil {
		return AcquiringResult{Result: Result{Status: "-1", StatusText: err.Error()}}, nil
	}

	ans := AcquiringResult{Result: res, Type: "electronically"}
	if len(res.Answer) > lineMerchant {
		if res.Status == statusCancelled {
			ans.Message = "cancelled by customer"
		}
		ans.Card = strings.TrimSpace(res.Answer[lineCard])
		ans.Auth = strings.TrimSpace(res.Answer[lineAuth])
		ans.Checkt = strings.TrimSpace(res.Answer[lineChecktime])
		ans.Terminal = strings.TrimSpace(res.Answer[lineTerminal])
		ans.Link = strings.TrimSpace(res.Answer[lineLink])
		ans.Hash = strings.TrimSpace(res.Answer[lineHash])
		ans.Merchant = strings.TrimSpace(res.Answer[lineMerchant])

		t, perr := time.Parse(timestampLayout, strings.TrimSpace(res.Answer[lineTimestamp]))
		if perr != nil {
			t = time.Now()
		}
		ans.Timet = t.Format(time.RFC3339)
	}

	if res.Status == "0" {
		ans.Amount = amount
	}
	return ans, nil
}

func splitStatusLine(lines []string) (status, text string) {
	if len(lines) == 0 {
		return "-2", "no reply from terminal"
	}
	parts := strings.SplitN(strings.TrimSpace(lines[lineStatusLine]), ",", 2)
	status = parts[0]
	if len(parts) > 1 {
		text = parts[1]
	}
	return status, text
}

func (p *Pilot) cleanOutputFiles() error {
	for _, name := range []string{"e", "p"} {
		if err := os.Remove(filepath.Join(p.installP, name)); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("sber: removing stale %s: %w", name, err)
		}
	}
	return nil
}

func (p *Pilot) readKOI8File(name string) (string, error) {
	raw, err := os.ReadFile(filepath.Join(p.installP, name))
	if err != nil {
		return "", err
	}
	decoded, err := charmap.KOI8R.NewDecoder().String(string(raw))
	if err != nil {
		return "", fmt.Errorf("sber: decoding %s: %w", name, err)
	}
	return decoded, nil
}

func (p *Pilot) readKOI8Lines(name string) ([]string, error) {
	text, err := p.readKOI8File(name)
	if err != nil {
		return nil, err
	}
	text = strings.TrimRight(text, "\r\n")
	if text == "" {
		return nil, fmt.Errorf("sber: %s is empty", name)
	}
	return strings.Split(text, "\n"), nil
}
