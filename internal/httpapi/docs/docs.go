// Package docs registers the façade's OpenAPI document with swaggo/swag's
// global registry so github.com/swaggo/http-swagger can serve it. Normally
// generated by `swag init` from handler annotations; hand-written here since
// no annotation-scanning codegen step runs as part of this build.
package docs

import "github.com/swaggo/swag"

const docTemplate = `{
	"swagger": "2.0",
	"info": {
		"title": "lmfacade",
		"description": "Unified inference facade: model discovery, pooled sessions, NDJSON-streamed generation.",
		"version": "1.0"
	},
	"basePath": "/",
	"paths": {
		"/models": {"get": {"summary": "List discovered models", "responses": {"200": {"description": "ok"}}}},
		"/status": {"get": {"summary": "Pool status", "responses": {"200": {"description": "ok"}}}},
		"/sessions": {"post": {"summary": "Create a session", "responses": {"201": {"description": "created"}}}},
		"/sessions/{id}/append": {"post": {"summary": "Append text to a session", "responses": {"204": {"description": "no content"}}}},
		"/sessions/{id}/run": {"post": {"summary": "Stream generation as NDJSON", "responses": {"200": {"description": "ok"}}}},
		"/sessions/{id}": {"delete": {"summary": "Delete a session", "responses": {"204": {"description": "no content"}}}},
		"/metrics": {"get": {"summary": "Prometheus metrics", "responses": {"200": {"description": "ok"}}}},
		"/healthz": {"get": {"summary": "Liveness probe", "responses": {"200": {"description": "ok"}}}},
		"/readyz": {"get": {"summary": "Readiness probe", "responses": {"200": {"description": "ok"}}}}
	}
}`

// SwaggerInfo mirrors the struct swag init would otherwise generate.
var SwaggerInfo = &swag.Spec{
	Version:     "1.0",
	Host:        "",
	BasePath:    "/",
	Schemes:     []string{},
	Title:       "lmfacade",
	Description: "Unified inference facade",
}

type swaggerDoc struct{}

func (swaggerDoc) ReadDoc() string { return docTemplate }

func init() {
	swag.Register(SwaggerInfo.InstanceName(), swaggerDoc{})
}
