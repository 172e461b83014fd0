// Package statuspage renders the agent's debug status page, generalizing
// the teacher's template.StatusPage (one row per active profiler) to one
// row per sub-profiler driver and its lifecycle state (§4.3).
package statuspage

import (
	"html/template"
	"net/http"
	"sort"

	"github.com/Granulate/gprofiler/internal/driver"
	"github.com/Granulate/gprofiler/internal/stack"
)

// DriverStatus is one row of the status page.
type DriverStatus struct {
	Runtime stack.RuntimeKind
	State   driver.State
}

// Page is the template's root data.
type Page struct {
	Drivers  []DriverStatus
	Hostname string
}

var pageTemplate = template.Must(template.New("status").Parse(`<!DOCTYPE html>
<html>
<head><title>agent status</title></head>
<body>
<h1>{{.Hostname}}</h1>
<table border="1" cellpadding="4">
<tr><th>runtime</th><th>state</th></tr>
{{range .Drivers}}<tr><td>{{.Runtime}}</td><td>{{.State}}</td></tr>
{{end}}
</table>
</body>
</html>
`))

// Handler returns an http.HandlerFunc rendering the current state of every
// driver in drivers, keyed by runtime for a stable row order.
func Handler(hostname string, drivers map[stack.RuntimeKind]driver.Driver, native driver.Driver) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		page := Page{Hostname: hostname}
		if native != nil {
			page.Drivers = append(page.Drivers, DriverStatus{Runtime: native.Runtime(), State: native.State()})
		}
		for kind, d := range drivers {
			page.Drivers = append(page.Drivers, DriverStatus{Runtime: kind, State: d.State()})
		}
		sort.Slice(page.Drivers, func(i, j int) bool {
			return page.Drivers[i].Runtime < page.Drivers[j].Runtime
		})

		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		if err := pageTemplate.Execute(w, page); err != nil {
			http.Error(w, "rendering status page failed: "+err.Error(), http.StatusInternalServerError)
		}
	}
}
