package api

import (
	"html/template"
	"net/http"
	"strings"

	"github.com/hazyhaar/spoilguard/shield"
)

var popupTmpl = template.Must(template.New("popup").Parse(`<!DOCTYPE html>
<html lang="en">
<head>
<meta charset="utf-8">
<title>Spoilguard</title>
<style>
body { font: 13px sans-serif; width: 320px; margin: 12px; }
#logContainer { max-height: 240px; overflow-y: auto; border-top: 1px solid #ddd; }
#logContainer p { margin: 4px 0; }
textarea { width: 100%; }
</style>
</head>
<body>
<h1>Spoilguard</h1>
<p>Hidden today: <strong>{{.HiddenToday}}</strong></p>
<form method="post" action="/settings">
<label for="keywords">Keywords</label>
<textarea id="keywords" name="keywords" rows="3">{{.Keywords}}</textarea>
<label><input type="checkbox" name="enabled" value="1"{{if .Enabled}} checked{{end}}> Enabled</label><br>
<label><input type="checkbox" name="hideThumbnails" value="1"{{if .HideThumbnails}} checked{{end}}> Hide thumbnail durations</label><br>
<label><input type="checkbox" name="showCurrentTime" value="1"{{if .ShowCurrentTime}} checked{{end}}> Keep current time visible</label><br>
<button type="submit">Save</button>
</form>
<div id="logContainer">
{{- range .Logs}}
<p>{{.}}</p>
{{- else}}
<p>No logs available.</p>
{{- end}}
</div>
</body>
</html>
`))

type popupData struct {
	HiddenToday     int
	Keywords        string
	Enabled         bool
	HideThumbnails  bool
	ShowCurrentTime bool
	Logs            []template.HTML
}

// handlePopup renders the settings form and the journal. Journal lines
// embed page titles, so they go through the strict policy before being
// marked safe.
func (s *Server) handlePopup(w http.ResponseWriter, r *http.Request) {
	st, err := s.cfg.Store.Get(r.Context())
	if err != nil {
		shield.GetLogger(r.Context()).Error("api: popup settings", "error", err)
		http.Error(w, "settings unavailable", http.StatusInternalServerError)
		return
	}
	logs, err := s.logs(r)
	if err != nil {
		shield.GetLogger(r.Context()).Error("api: popup logs", "error", err)
		http.Error(w, "logs unavailable", http.StatusInternalServerError)
		return
	}

	data := popupData{
		HiddenToday:     logs.HiddenToday,
		Keywords:        strings.Join(st.Keywords, ", "),
		Enabled:         st.Enabled,
		HideThumbnails:  st.HideThumbnails,
		ShowCurrentTime: st.ShowCurrentTime,
	}
	for _, line := range logs.Logs {
		data.Logs = append(data.Logs, template.HTML(s.policy.Sanitize(line)))
	}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	if err := popupTmpl.Execute(w, data); err != nil {
		shield.GetLogger(r.Context()).Error("api: popup render", "error", err)
	}
}
