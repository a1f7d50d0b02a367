package handler

import (
	"bytes"
	"html/template"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/orbitalops/fds-service/internal/core/domain"
)

// DefinitionFinder resolves the module that declares a message code.
type DefinitionFinder interface {
	Definition(msgCode string) (domain.ModuleDefinition, bool)
}

var usageTemplate = template.Must(template.New("usage").Parse(`<!DOCTYPE html>
<html>
<head><meta charset="utf-8"><title>{{.Operation}}</title></head>
<body>
{{- if .Found}}
<h1>{{.Operation}}</h1>
<p>Served by module <b>{{.Module.Name}}</b> ({{.Module.Kind}}).</p>
{{- with .Module.Description}}
<p>{{.}}</p>
{{- end}}
<h2>Request</h2>
<pre>POST /{{.Operation}}
{"version": "1.0", "msg_code": "{{.Operation}}", "authentication_key": "...", "msg_id": "...", "timestamp": 0}</pre>
{{- if .Module.Inputs}}
<h2>Inputs</h2>
<table>
<tr><th>name</th><th>type</th><th>default</th></tr>
{{- range .Module.Inputs}}
<tr><td>{{.Name}}</td><td>{{.Type}}</td><td>{{if .Default}}{{.Default}}{{end}}</td></tr>
{{- end}}
</table>
{{- end}}
{{- if .Module.Outputs}}
<h2>Outputs</h2>
<table>
<tr><th>name</th><th>type</th></tr>
{{- range .Module.Outputs}}
<tr><td>{{.Name}}</td><td>{{.Type}}</td></tr>
{{- end}}
</table>
{{- end}}
{{- else}}
<h1>{{.Operation}}</h1>
<p>No module handles this operation.</p>
{{- end}}
</body>
</html>
`))

type usagePage struct {
	Operation string
	Found     bool
	Module    domain.ModuleDefinition
}

type UsageHandler struct {
	defs DefinitionFinder
}

func NewUsageHandler(defs DefinitionFinder) *UsageHandler {
	return &UsageHandler{defs: defs}
}

// Usage renders the help page of an operation.
//
// @Summary  Operation usage
// @Tags     usage
// @Produce  html
// @Param    operation  path  string  true  "Operation code"
// @Success  200
// @Failure  404
// @Router   /usage/{operation} [get]
func (h *UsageHandler) Usage(c echo.Context) error {
	page := usagePage{Operation: c.Param("operation")}
	page.Module, page.Found = h.defs.Definition(page.Operation)

	var buf bytes.Buffer
	if err := usageTemplate.Execute(&buf, page); err != nil {
		return err
	}
	status := http.StatusOK
	if !page.Found {
		status = http.StatusNotFound
	}
	return c.HTMLBlob(status, buf.Bytes())
}
