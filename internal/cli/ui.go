package cli

import (
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/log"
	"github.com/muesli/termenv"
)

// Doctor check groups, in report order.
const (
	groupRuntime  = "runtime"
	groupHost     = "host"
	groupSandbox  = "sandbox"
	groupDatabase = "database"
	groupJournal  = "journal"
)

var doctorGroups = []string{groupRuntime, groupHost, groupSandbox, groupDatabase, groupJournal}

type palette struct {
	color   bool
	title   lipgloss.Style
	accent  lipgloss.Style
	key     lipgloss.Style
	muted   lipgloss.Style
	pass    lipgloss.Style
	warn    lipgloss.Style
	fail    lipgloss.Style
	unknown lipgloss.Style
}

func newPalette(color bool) palette {
	r := lipgloss.NewRenderer(io.Discard)
	r.SetColorProfile(termenv.ANSI256)
	return palette{
		color:   color,
		title:   r.NewStyle().Bold(true).Foreground(lipgloss.Color("51")),
		accent:  r.NewStyle().Bold(true).Foreground(lipgloss.Color("220")),
		key:     r.NewStyle().Foreground(lipgloss.Color("75")),
		muted:   r.NewStyle().Foreground(lipgloss.Color("246")),
		pass:    r.NewStyle().Bold(true).Foreground(lipgloss.Color("48")),
		warn:    r.NewStyle().Bold(true).Foreground(lipgloss.Color("214")),
		fail:    r.NewStyle().Bold(true).Foreground(lipgloss.Color("203")),
		unknown: r.NewStyle().Bold(true).Foreground(lipgloss.Color("255")),
	}
}

func (p palette) paint(s lipgloss.Style, value string) string {
	if !p.color {
		return value
	}
	return s.Render(value)
}

func (p palette) status(status string) lipgloss.Style {
	switch status {
	case "pass":
		return p.pass
	case "warn":
		return p.warn
	case "fail":
		return p.fail
	default:
		return p.unknown
	}
}

// launchHeader describes a launch before the config has been read.
type launchHeader struct {
	Policy     string
	PolicyHash string
	Journal    string
	Shutdown   string
	LogLevel   string
	HostFiles  []string
}

func renderLaunchHeader(h launchHeader, color bool) string {
	p := newPalette(color)

	var out strings.Builder
	out.WriteByte('\n')
	out.WriteString(p.paint(p.accent, "▸") + " " + p.paint(p.title, "appruntime launch"))
	out.WriteByte('\n')

	policy := strings.TrimSpace(h.Policy)
	if hash := strings.TrimSpace(h.PolicyHash); policy != "" && hash != "" {
		if len(hash) > 12 {
			hash = hash[:12]
		}
		policy += " " + p.paint(p.muted, "("+hash+")")
	}
	rows := [][2]string{
		{"policy", policy},
		{"host env", strings.Join(h.HostFiles, ", ")},
		{"journal", h.Journal},
		{"shutdown", h.Shutdown},
		{"log level", h.LogLevel},
	}
	for _, row := range rows {
		value := strings.TrimSpace(row[1])
		if value == "" {
			continue
		}
		fmt.Fprintf(&out, "   %s %s\n", p.paint(p.key, fmt.Sprintf("%-9s", row[0])), value)
	}
	out.WriteByte('\n')
	return out.String()
}

// renderServingLine announces on stderr what the handshake told the parent.
func renderServingLine(appID, versionID string, port int, color bool) string {
	p := newPalette(color)

	app := strings.TrimSpace(appID)
	if app == "" {
		app = "application"
	}
	if v := strings.TrimSpace(versionID); v != "" {
		app += "@" + v
	}
	return fmt.Sprintf("%s %s serving on port %s\n",
		p.paint(p.pass, "●"), p.paint(p.title, app), p.paint(p.accent, strconv.Itoa(port)))
}

func renderDoctorReport(checks []doctorCheck, color bool) string {
	p := newPalette(color)

	grouped := map[string][]doctorCheck{}
	order := append([]string(nil), doctorGroups...)
	for _, check := range checks {
		group := strings.TrimSpace(check.Group)
		if group == "" {
			group = "other"
		}
		if _, ok := grouped[group]; !ok && !containsString(order, group) {
			order = append(order, group)
		}
		grouped[group] = append(grouped[group], check)
	}

	var (
		out    strings.Builder
		counts = map[string]int{}
	)
	out.WriteString(p.paint(p.title, "appruntime doctor"))
	out.WriteByte('\n')
	for _, group := range order {
		if len(grouped[group]) == 0 {
			continue
		}
		out.WriteString(p.paint(p.key, group))
		out.WriteByte('\n')
		for _, check := range grouped[group] {
			status := normalizeDoctorStatus(check.Status)
			counts[status]++

			name := strings.TrimSpace(check.Name)
			if name == "" {
				name = "unnamed_check"
			}
			message := strings.TrimSpace(check.Message)
			if message == "" {
				message = "(no message)"
			}
			mark := p.paint(p.status(status), statusIcon(status)+" "+status)
			fmt.Fprintf(&out, "  %s %s %s\n", mark, name, p.paint(p.muted, message))
		}
	}

	summary := fmt.Sprintf("%d pass, %d warn, %d fail", counts["pass"], counts["warn"], counts["fail"])
	out.WriteString(p.paint(p.muted, summary))
	out.WriteByte('\n')
	return out.String()
}

func statusIcon(status string) string {
	switch status {
	case "pass":
		return "✓"
	case "warn":
		return "!"
	case "fail":
		return "✗"
	default:
		return "?"
	}
}

func containsString(values []string, want string) bool {
	for _, v := range values {
		if v == want {
			return true
		}
	}
	return false
}

// shouldUseANSI honours NO_COLOR, CLICOLOR=0 and CLICOLOR_FORCE before
// falling back to a terminal check.
func shouldUseANSI(stderr *os.File) bool {
	if _, ok := os.LookupEnv("NO_COLOR"); ok {
		return false
	}
	if strings.TrimSpace(os.Getenv("CLICOLOR")) == "0" {
		return false
	}
	if force := strings.TrimSpace(os.Getenv("CLICOLOR_FORCE")); force != "" {
		if n, err := strconv.Atoi(force); err != nil || n != 0 {
			return true
		}
	}
	return isTerminal(stderr)
}

func applyLoggerStyles(logger *log.Logger, color bool) {
	if logger == nil || !color {
		return
	}
	styles := log.DefaultStyles()
	styles.Key = styles.Key.Bold(true).Foreground(lipgloss.Color("75"))
	styles.Value = styles.Value.Foreground(lipgloss.Color("255"))
	styles.Levels[log.WarnLevel] = styles.Levels[log.WarnLevel].Bold(true).Foreground(lipgloss.Color("214"))
	styles.Levels[log.ErrorLevel] = styles.Levels[log.ErrorLevel].Bold(true).Foreground(lipgloss.Color("203"))
	logger.SetStyles(styles)
}

func effectiveLogLevel(rawLevel string) string {
	level := strings.TrimSpace(strings.ToLower(rawLevel))
	if level == "" {
		return "info"
	}
	return level
}

func normalizeDoctorStatus(raw string) string {
	switch strings.TrimSpace(strings.ToLower(raw)) {
	case "pass", "ok", "success":
		return "pass"
	case "warn", "warning":
		return "warn"
	case "fail", "failed", "error":
		return "fail"
	default:
		return "unknown"
	}
}
