// Package docs holds the OpenAPI description served under /swagger/.
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
        "/traversals": {
            "get": {
                "description": "Get all traversal jobs with their current status",
                "produces": ["application/json"],
                "tags": ["traversals"],
                "summary": "List traversals",
                "responses": {
                    "200": {
                        "description": "List of traversals",
                        "schema": {"type": "array", "items": {"$ref": "#/definitions/store.JobSummary"}}
                    },
                    "500": {"description": "Internal server error", "schema": {"type": "object", "additionalProperties": true}}
                }
            },
            "post": {
                "description": "Validate the traversal and run it asynchronously",
                "consumes": ["application/json"],
                "produces": ["application/json"],
                "tags": ["traversals"],
                "summary": "Start a traversal",
                "parameters": [
                    {
                        "description": "Traversal range and options",
                        "name": "traversal",
                        "in": "body",
                        "required": true,
                        "schema": {"$ref": "#/definitions/model.TraversalSpec"}
                    }
                ],
                "responses": {
                    "202": {"description": "Traversal accepted", "schema": {"type": "object", "additionalProperties": true}},
                    "400": {"description": "Invalid request payload", "schema": {"type": "object", "additionalProperties": true}},
                    "500": {"description": "Internal server error", "schema": {"type": "object", "additionalProperties": true}}
                }
            }
        },
        "/traversals/{id}": {
            "get": {
                "description": "Retrieve the spec, status and result of a traversal job",
                "produces": ["application/json"],
                "tags": ["traversals"],
                "summary": "Get traversal",
                "parameters": [{"type": "string", "description": "Traversal ID", "name": "id", "in": "path", "required": true}],
                "responses": {
                    "200": {"description": "Traversal details", "schema": {"$ref": "#/definitions/store.Job"}},
                    "404": {"description": "Traversal not found", "schema": {"type": "object", "additionalProperties": true}}
                }
            }
        },
        "/traversals/{id}/warnings": {
            "get": {
                "description": "Recoverable conditions met while traversing",
                "produces": ["application/json"],
                "tags": ["traversals"],
                "summary": "Get traversal warnings",
                "parameters": [{"type": "string", "description": "Traversal ID", "name": "id", "in": "path", "required": true}],
                "responses": {
                    "200": {"description": "Warnings", "schema": {"type": "object", "additionalProperties": true}},
                    "404": {"description": "Traversal not found", "schema": {"type": "object", "additionalProperties": true}}
                }
            }
        },
        "/traversals/{id}/bins": {
            "get": {
                "description": "Per-run, per-partition quality statistics",
                "produces": ["application/json"],
                "tags": ["traversals"],
                "summary": "Get traversal bins",
                "parameters": [
                    {"type": "string", "description": "Traversal ID", "name": "id", "in": "path", "required": true},
                    {"type": "string", "description": "Barrel or Forward", "name": "partition", "in": "query"}
                ],
                "responses": {
                    "200": {"description": "Bins", "schema": {"type": "object", "additionalProperties": true}},
                    "400": {"description": "Unknown partition", "schema": {"type": "object", "additionalProperties": true}},
                    "404": {"description": "Traversal not found", "schema": {"type": "object", "additionalProperties": true}}
                }
            }
        },
        "/traversals/{id}/artifacts": {
            "get": {
                "description": "Summary files written by a completed traversal",
                "produces": ["application/json"],
                "tags": ["traversals"],
                "summary": "Get traversal artifacts",
                "parameters": [{"type": "string", "description": "Traversal ID", "name": "id", "in": "path", "required": true}],
                "responses": {
                    "200": {"description": "Artifacts", "schema": {"type": "object", "additionalProperties": true}},
                    "404": {"description": "Traversal not found", "schema": {"type": "object", "additionalProperties": true}}
                }
            }
        },
        "/traversals/{id}/cancel": {
            "patch": {
                "description": "Cancel a running traversal; it stops between runs and emits nothing",
                "produces": ["application/json"],
                "tags": ["traversals"],
                "summary": "Cancel traversal",
                "parameters": [{"type": "string", "description": "Traversal ID", "name": "id", "in": "path", "required": true}],
                "responses": {
                    "200": {"description": "Cancellation requested", "schema": {"type": "object", "additionalProperties": true}},
                    "400": {"description": "Traversal is not running", "schema": {"type": "object", "additionalProperties": true}},
                    "404": {"description": "Traversal not found", "schema": {"type": "object", "additionalProperties": true}}
                }
            }
        },
        "/download/{jobID}/{filename}": {
            "get": {
                "description": "Download a summary file written by a traversal",
                "produces": ["application/octet-stream"],
                "tags": ["files"],
                "summary": "Download artifact",
                "parameters": [
                    {"type": "string", "description": "Traversal ID", "name": "jobID", "in": "path", "required": true},
                    {"type": "string", "description": "File name", "name": "filename", "in": "path", "required": true}
                ],
                "responses": {
                    "200": {"description": "File download", "schema": {"type": "file"}},
                    "400": {"description": "Invalid URL format", "schema": {"type": "object", "additionalProperties": true}},
                    "404": {"description": "File not found", "schema": {"type": "object", "additionalProperties": true}}
                }
            }
        }
    },
    "definitions": {
        "model.LuminosityOptions": {
            "type": "object",
            "properties": {
                "lumiFile": {"type": "string"},
                "throwIfNotFound": {"type": "boolean"},
                "doBunchByBunch": {"type": "boolean"},
                "maxMalformedFraction": {"type": "number"}
            }
        },
        "model.OutputOptions": {
            "type": "object",
            "properties": {
                "dir": {"type": "string"},
                "formats": {"type": "array", "items": {"type": "string"}}
            }
        },
        "model.TraversalSpec": {
            "type": "object",
            "properties": {
                "tag": {"type": "string", "example": "SiPixelQuality_byPCL_prompt_v2"},
                "firstRun": {"type": "integer", "example": 320500},
                "nLSToProcessPerRun": {"type": "integer", "example": 2000},
                "nRunsToProcess": {"type": "integer", "example": 1},
                "checkpoint": {"type": "string", "enum": ["flush", "accumulate"]},
                "luminosity": {"$ref": "#/definitions/model.LuminosityOptions"},
                "output": {"$ref": "#/definitions/model.OutputOptions"}
            }
        },
        "store.Job": {
            "type": "object",
            "properties": {
                "id": {"type": "string"},
                "spec": {"$ref": "#/definitions/model.TraversalSpec"},
                "status": {"type": "string"},
                "result": {"type": "object"},
                "errors": {"type": "array", "items": {"type": "string"}},
                "createdAt": {"type": "string"},
                "updatedAt": {"type": "string"}
            }
        },
        "store.JobSummary": {
            "type": "object",
            "properties": {
                "id": {"type": "string"},
                "tag": {"type": "string"},
                "status": {"type": "string"},
                "createdAt": {"type": "string"},
                "updatedAt": {"type": "string"}
            }
        }
    }
}`

// SwaggerInfo holds exported Swagger Info so clients can modify it
var SwaggerInfo = &swag.Spec{
	Version:          "1.0",
	Host:             "localhost:8080",
	BasePath:         "/api/v1",
	Schemes:          []string{},
	Title:            "Pixel Quality API",
	Description:      "Traverses pixel quality conditions and reports bad-component luminosity.",
	InfoInstanceName: "swagger",
	SwaggerTemplate:  docTemplate,
	LeftDelim:        "{{",
	RightDelim:       "}}",
}

func init() {
	swag.Register(SwaggerInfo.InstanceName(), SwaggerInfo)
}
