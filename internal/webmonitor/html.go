package webmonitor

import (
	"html/template"

	"github.com/dj-oyu/cloud-monitor/internal/views"
)

// pageData is everything the dashboard template renders.
type pageData struct {
	Title    string
	Subtitle string
	Footer   string
	Tabs     []views.Tab
	Active   string
	Banner   views.HealthBanner
	Error    string

	City    string
	Country string

	Detection *views.DetectionView
	Weather   *views.WeatherView
	Forecast  *views.ForecastView
	Combined  *views.CombinedView
	Live      views.LiveView

	DisplayWidth  int
	DisplayHeight int
}

var pageTemplates = template.Must(template.New("dashboard").Parse(indexHTML))

const indexHTML = `{{define "detection"}}
<div class="result">
    <h3>Detection Results</h3>
    <p class="meta">{{if .Filename}}{{.Filename}} • {{end}}{{.Dimensions}}{{if .ModelID}} • model {{.ModelID}}{{end}}</p>
    <p class="meta">Total clouds: {{.Total}}</p>
    {{if .Empty}}
    <p class="empty">{{.EmptyMessage}}</p>
    {{else}}
    <ul class="predictions">
        {{range .Predictions}}
        <li><strong>{{.Class}}</strong> <span class="confidence">{{.Confidence}}</span><br><small>{{.Detail}}</small></li>
        {{end}}
    </ul>
    {{end}}
</div>
{{end}}

{{define "weather"}}
<div class="result weather">
    <h3>{{.Title}}</h3>
    <p class="meta">Observed {{.Observed}}</p>
    <div class="weather-head">
        {{if .IconURL}}<img src="{{.IconURL}}" alt="{{.Description}}" width="64" height="64">{{end}}
        <div>
            <div class="temperature">{{.Temperature}}</div>
            <div class="condition {{.Condition}}">{{.Description}}</div>
        </div>
    </div>
    <table class="conditions">
        <tr><th>Feels like</th><td>{{.FeelsLike}}</td></tr>
        <tr><th>Humidity</th><td>{{.Humidity}}</td></tr>
        <tr><th>Wind</th><td>{{.Wind}}</td></tr>
        <tr><th>Wind direction</th><td>{{.WindDirection}}</td></tr>
        <tr><th>Cloud cover</th><td>{{.Clouds}}</td></tr>
        <tr><th>Pressure</th><td>{{.Pressure}}</td></tr>
        <tr><th>Visibility</th><td>{{.Visibility}}</td></tr>
        <tr><th>Sunrise</th><td>{{.Sunrise}}</td></tr>
        <tr><th>Sunset</th><td>{{.Sunset}}</td></tr>
    </table>
</div>
{{end}}

{{define "location"}}
<label>City <input type="text" name="city" value="{{.City}}" placeholder="London"></label>
<label>Country <input type="text" name="country" value="{{.Country}}" placeholder="GB" maxlength="2"></label>
{{end}}

{{define "index"}}<!DOCTYPE html>
<html>
<head>
    <title>{{.Title}}</title>
    <meta charset="utf-8">
    <meta name="viewport" content="width=device-width, initial-scale=1.0">
    <link rel="stylesheet" href="/assets/monitor.css">
</head>
<body>
    <div class="app">
        <div class="header">
            <div class="title">{{.Title}}</div>
            <p class="subtitle">{{.Subtitle}}</p>
        </div>

        {{if .Banner.Show}}<div class="banner warning" id="health-banner">{{.Banner.Message}}</div>{{end}}

        <nav class="tabs">
            {{range .Tabs}}
            <a href="/?tab={{.ID}}" class="tab{{if eq .ID $.Active}} active{{end}}">{{.Label}}</a>
            {{end}}
        </nav>

        {{if .Error}}<div class="error" role="alert">{{.Error}}</div>{{end}}

        {{if eq .Active "combined"}}
        <section class="panel">
            <form action="/analyze?tab=combined" method="post" enctype="multipart/form-data">
                <label>Sky image <input type="file" name="file" accept="image/*"></label>
                {{template "location" .}}
                <button type="submit">Analyze</button>
            </form>
            {{with .Combined}}
            <h2>{{.Location}}</h2>
            <div class="grid">
                {{template "detection" .Detection}}
                {{template "weather" .Weather}}
            </div>
            {{end}}
        </section>
        {{end}}

        {{if eq .Active "detection"}}
        <section class="panel">
            <form action="/detect?tab=detection" method="post" enctype="multipart/form-data">
                <label>Sky image <input type="file" name="file" accept="image/*"></label>
                <button type="submit">Detect Clouds</button>
            </form>
            {{with .Detection}}{{template "detection" .}}{{end}}
        </section>
        {{end}}

        {{if eq .Active "weather"}}
        <section class="panel">
            <form action="/weather" method="get">
                <input type="hidden" name="tab" value="weather">
                {{template "location" .}}
                <button type="submit">Get Weather</button>
                <button type="submit" formaction="/forecast">Forecast</button>
            </form>
            {{with .Weather}}{{template "weather" .}}{{end}}
            {{with .Forecast}}
            <div class="result forecast">
                <h3>Forecast for {{.Location}}{{if .Days}} ({{.Days}} days){{end}}</h3>
                <table>
                    {{range .Rows}}<tr>{{range .}}<td>{{.}}</td>{{end}}</tr>{{end}}
                </table>
            </div>
            {{end}}
        </section>
        {{end}}

        {{if eq .Active "live"}}
        <section class="panel live">
            <div class="live-controls">
                <button type="button" id="btn-start">Start</button>
                <button type="button" id="btn-stop">Stop</button>
                <span class="badge" id="live-state">{{if .Live.Streaming}}streaming{{else}}idle{{end}}</span>
            </div>
            <div id="live-error" class="error" role="alert"{{if not .Live.LastError}} hidden{{end}}>{{.Live.LastError}}</div>
            <div class="live-view" style="position:relative;">
                <img id="stream" src="/stream" alt="Live camera" width="{{.DisplayWidth}}" height="{{.DisplayHeight}}">
                <div id="countdown" class="countdown" hidden></div>
            </div>
            <p class="meta" id="live-summary">{{.Live.Summary}}</p>
            <ul class="predictions" id="live-predictions">
                {{range .Live.Predictions}}
                <li><strong>{{.Class}}</strong> <span class="confidence">{{.Confidence}}</span><br><small>{{.Detail}}</small></li>
                {{end}}
            </ul>
            <ul class="tips">
                {{range .Live.Tips}}<li>{{.}}</li>{{end}}
            </ul>
        </section>
        <script>
            (function () {
                const state = document.getElementById('live-state');
                const errorBox = document.getElementById('live-error');
                const summary = document.getElementById('live-summary');
                const countdown = document.getElementById('countdown');

                function post(path) {
                    return fetch(path, {method: 'POST'})
                        .then(r => r.json())
                        .then(body => {
                            if (body.error) {
                                errorBox.textContent = body.error;
                                errorBox.hidden = false;
                            }
                        });
                }
                document.getElementById('btn-start').onclick = () => post('/api/live/start');
                document.getElementById('btn-stop').onclick = () => post('/api/live/stop');

                const events = new EventSource('/api/status/stream');
                events.onmessage = (e) => {
                    const status = JSON.parse(e.data);
                    const live = status.live || {};
                    state.textContent = live.state || 'idle';
                    summary.textContent = live.summary || '';
                    errorBox.textContent = live.last_error || '';
                    errorBox.hidden = !live.last_error;
                    countdown.textContent = live.countdown || '';
                    countdown.hidden = !live.countdown;
                };
            })();
        </script>
        {{end}}

        <p class="footer-note">{{.Footer}}</p>
    </div>
</body>
</html>
{{end}}`
