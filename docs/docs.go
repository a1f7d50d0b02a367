// Package docs registers the OpenAPI document served at /swagger/*.
package docs

import "github.com/swaggo/swag"

const docTemplate = `{
    "schemes": {{ marshal .Schemes }},
    "swagger": "2.0",
    "info": {
        "description": "{{escape .Description}}",
        "title": "{{.Title}}",
        "contact": {},
        "version": "{{.Version}}"
    },
    "host": "{{.Host}}",
    "basePath": "{{.BasePath}}",
    "paths": {
        "/status": {
            "get": {
                "produces": ["application/json"],
                "tags": ["control"],
                "summary": "Service status",
                "responses": {"200": {"description": "OK", "schema": {"$ref": "#/definitions/handler.statusResponse"}}}
            }
        },
        "/version": {
            "get": {
                "produces": ["application/json"],
                "tags": ["control"],
                "summary": "Service version",
                "responses": {"200": {"description": "OK", "schema": {"$ref": "#/definitions/handler.versionResponse"}}}
            }
        },
        "/stop/{secret}": {
            "post": {
                "produces": ["application/json"],
                "tags": ["control"],
                "summary": "Halt the service",
                "parameters": [{"type": "string", "description": "Stop word", "name": "secret", "in": "path", "required": true}],
                "responses": {
                    "202": {"description": "Accepted", "schema": {"$ref": "#/definitions/handler.statusResponse"}},
                    "403": {"description": "Forbidden", "schema": {"$ref": "#/definitions/domain.RestResponse"}}
                }
            }
        },
        "/usage/{operation}": {
            "get": {
                "produces": ["text/html"],
                "tags": ["usage"],
                "summary": "Operation usage",
                "parameters": [{"type": "string", "description": "Operation code", "name": "operation", "in": "path", "required": true}],
                "responses": {"200": {"description": "OK"}, "404": {"description": "Not Found"}}
            }
        },
        "/{code}": {
            "post": {
                "description": "Built-in codes (register, login, logout, deregister) are served locally; every other code is routed to the module that declares it.",
                "consumes": ["application/json"],
                "produces": ["application/json"],
                "tags": ["dispatch"],
                "summary": "Dispatch an operation",
                "parameters": [
                    {"type": "string", "description": "Operation code, must equal msg_code", "name": "code", "in": "path", "required": true},
                    {"description": "Request envelope", "name": "body", "in": "body", "required": true, "schema": {"$ref": "#/definitions/domain.RestRequest"}}
                ],
                "responses": {
                    "200": {"description": "OK", "schema": {"$ref": "#/definitions/domain.RestResponse"}},
                    "400": {"description": "Bad Request", "schema": {"$ref": "#/definitions/domain.RestResponse"}},
                    "401": {"description": "Unauthorized", "schema": {"$ref": "#/definitions/domain.RestResponse"}},
                    "403": {"description": "Forbidden", "schema": {"$ref": "#/definitions/domain.RestResponse"}},
                    "404": {"description": "Not Found", "schema": {"$ref": "#/definitions/domain.RestResponse"}},
                    "503": {"description": "Service Unavailable", "schema": {"$ref": "#/definitions/domain.RestResponse"}},
                    "504": {"description": "Gateway Timeout", "schema": {"$ref": "#/definitions/domain.RestResponse"}}
                }
            }
        },
        "/admin/executions": {
            "get": {
                "security": [{"BearerAuth": []}],
                "produces": ["application/json"],
                "tags": ["admin"],
                "summary": "Live executions",
                "responses": {
                    "200": {"description": "OK"},
                    "401": {"description": "Unauthorized", "schema": {"$ref": "#/definitions/domain.RestResponse"}},
                    "403": {"description": "Forbidden", "schema": {"$ref": "#/definitions/domain.RestResponse"}}
                }
            }
        },
        "/admin/modules": {
            "get": {
                "security": [{"BearerAuth": []}],
                "produces": ["application/json"],
                "tags": ["admin"],
                "summary": "Module instances",
                "responses": {
                    "200": {"description": "OK"},
                    "401": {"description": "Unauthorized", "schema": {"$ref": "#/definitions/domain.RestResponse"}},
                    "403": {"description": "Forbidden", "schema": {"$ref": "#/definitions/domain.RestResponse"}}
                }
            }
        },
        "/admin/modules/{module_id}/restart": {
            "post": {
                "security": [{"BearerAuth": []}],
                "produces": ["application/json"],
                "tags": ["admin"],
                "summary": "Restart a module",
                "parameters": [{"type": "integer", "description": "Module id", "name": "module_id", "in": "path", "required": true}],
                "responses": {
                    "202": {"description": "Accepted"},
                    "400": {"description": "Bad Request", "schema": {"$ref": "#/definitions/domain.RestResponse"}},
                    "404": {"description": "Not Found", "schema": {"$ref": "#/definitions/domain.RestResponse"}}
                }
            }
        },
        "/health": {
            "get": {
                "produces": ["application/json"],
                "tags": ["health"],
                "summary": "Liveness probe",
                "responses": {"200": {"description": "OK"}}
            }
        },
        "/health/ready": {
            "get": {
                "produces": ["application/json"],
                "tags": ["health"],
                "summary": "Readiness probe",
                "responses": {"200": {"description": "OK"}, "503": {"description": "Service Unavailable"}}
            }
        }
    },
    "definitions": {
        "domain.RestRequest": {
            "type": "object",
            "properties": {
                "version": {"type": "string"},
                "msg_code": {"type": "string"},
                "authentication_key": {"type": "string"},
                "msg_id": {"type": "string"},
                "timestamp": {"type": "integer"}
            }
        },
        "domain.RestResponse": {
            "type": "object",
            "properties": {
                "msg_id": {"type": "string"},
                "msg_code": {"type": "string"},
                "status": {"type": "integer"},
                "detail": {"type": "string"},
                "authentication_key": {"type": "string"},
                "user_id": {"type": "string"},
                "result": {"type": "object"}
            }
        },
        "handler.statusResponse": {
            "type": "object",
            "properties": {"status": {"type": "string"}}
        },
        "handler.versionResponse": {
            "type": "object",
            "properties": {"version": {"type": "string"}}
        }
    },
    "securityDefinitions": {
        "BearerAuth": {"type": "apiKey", "name": "Authorization", "in": "header"}
    }
}`

// SwaggerInfo holds exported Swagger Info so clients can modify it
var SwaggerInfo = &swag.Spec{
	Version:          "1.0",
	Host:             "",
	BasePath:         "/",
	Schemes:          []string{},
	Title:            "fds-service",
	Description:      "Execution dispatch for flight-dynamics modules.",
	InfoInstanceName: "swagger",
	SwaggerTemplate:  docTemplate,
	LeftDelim:        "{{",
	RightDelim:       "}}",
}

func init() {
	swag.Register(SwaggerInfo.InstanceName(), SwaggerInfo)
}
