package views

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/jedib0t/go-pretty/v6/table"

	"github.com/dj-oyu/cloud-monitor/internal/api"
)

func newTable() table.Writer {
	t := table.NewWriter()
	t.SetStyle(table.StyleLight)
	return t
}

// render prints title on its own line above the table. go-pretty wraps a
// table title to the column width.
func render(title string, t table.Writer) string {
	if title == "" {
		return t.Render()
	}
	return title + "\n" + t.Render()
}

// String prints the detections as a table.
func (v DetectionView) String() string {
	title := fmt.Sprintf("Detections: %d (%s)", v.Total, v.Dimensions)
	t := newTable()
	if v.Empty {
		t.AppendRow(table.Row{v.EmptyMessage})
		return render(title, t)
	}
	t.AppendHeader(table.Row{"#", "Class", "Confidence", "Position", "Size"})
	for i, p := range v.Predictions {
		t.AppendRow(table.Row{i + 1, p.Class, p.Confidence, p.Position, p.Size})
	}
	return render(title, t)
}

// String prints the weather as a two-column table.
func (v WeatherView) String() string {
	t := newTable()
	t.AppendRows([]table.Row{
		{"Observed", v.Observed},
		{"Conditions", fmt.Sprintf("%s (%s)", v.Description, v.Condition)},
		{"Temperature", v.Temperature + " / " + v.FeelsLike},
		{"Humidity", v.Humidity},
		{"Wind", v.Wind + " from " + v.WindDirection},
		{"Clouds", v.Clouds},
		{"Pressure", v.Pressure},
		{"Visibility", v.Visibility},
		{"Sunrise", v.Sunrise},
		{"Sunset", v.Sunset},
	})
	return render(v.Title, t)
}

// String prints both halves of a combined analysis.
func (v CombinedView) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "Location: %s\n", v.Location)
	b.WriteString(v.Detection.String())
	b.WriteString("\n")
	b.WriteString(v.Weather.String())
	return b.String()
}

// String prints the live summary and the latest detections.
func (v LiveView) String() string {
	state := "idle"
	if v.Streaming {
		state = "streaming"
	}
	t := newTable()
	if v.Empty {
		t.AppendRow(table.Row{v.EmptyMessage})
	} else {
		t.AppendHeader(table.Row{"#", "Class", "Confidence", "Position", "Size"})
		for i, p := range v.Predictions {
			t.AppendRow(table.Row{i + 1, p.Class, p.Confidence, p.Position, p.Size})
		}
	}
	if v.LastError != "" {
		t.AppendSeparator()
		t.AppendRow(table.Row{"Error", v.LastError})
	}
	return render(fmt.Sprintf("Live (%s): %s", state, v.Summary), t)
}

// ForecastView lists the top-level fields of a forecast payload.
type ForecastView struct {
	Location string     `json:"location"`
	Days     int        `json:"days"`
	Rows     [][]string `json:"rows"`
}

// NewForecastView flattens a forecast. Values that are not plain strings
// are shown as compact JSON.
func NewForecastView(f *api.Forecast) ForecastView {
	v := ForecastView{Location: f.Location, Days: f.Days}
	keys := make([]string, 0, len(f.Data))
	for k := range f.Data {
		switch k {
		case "success", "location", "days":
			continue
		}
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		v.Rows = append(v.Rows, []string{k, compactValue(f.Data[k])})
	}
	return v
}

func compactValue(v any) string {
	if s, ok := v.(string); ok {
		return s
	}
	b, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprint(v)
	}
	return string(b)
}

// String prints the forecast rows.
func (v ForecastView) String() string {
	t := newTable()
	for _, r := range v.Rows {
		t.AppendRow(table.Row{r[0], r[1]})
	}
	return render(fmt.Sprintf("Forecast for %s (%d days)", v.Location, v.Days), t)
}
