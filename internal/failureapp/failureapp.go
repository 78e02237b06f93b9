// Package failureapp serves the diagnostic page shown when an application's
// startup script fails.
package failureapp

import (
	"bytes"
	"html/template"
	"net/http"
	"strconv"

	"github.com/buildkite/appruntime/internal/startup"
)

var page = template.Must(template.New("failure").Parse(`<!DOCTYPE html>
<html>
<head>
<title>Startup Script Failure</title>
</head>

<body>
<b>Startup script failed: {{.Message}}</b>
<details>
  <summary>Configuration</summary>
  <pre><code>{{.Config}}</code></pre>
</details>
<details>
  <summary>Traceback</summary>
  <pre><code>{{.Trace}}</code></pre>
</details>
</body>
</html>
`))

// App answers every request with status 500 and the rendered failure.
type App struct {
	body []byte
}

// New renders record once. Later requests reuse the same body.
func New(record *startup.FailureRecord) (*App, error) {
	data := struct {
		Message string
		Config  string
		Trace   string
	}{
		Message: record.Message,
		Trace:   record.Trace,
	}
	if record.Config != nil {
		data.Config = record.Config.String()
	}

	var buf bytes.Buffer
	if err := page.Execute(&buf, data); err != nil {
		return nil, err
	}
	return &App{body: buf.Bytes()}, nil
}

func (a *App) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Header().Set("Content-Length", strconv.Itoa(len(a.body)))
	w.WriteHeader(http.StatusInternalServerError)
	if r.Method == http.MethodHead {
		return
	}
	_, _ = w.Write(a.body)
}
