// Package api provides API annotation support for automatic OpenAPI generation.
package api

import (
	"fmt"
	"reflect"
	"strings"
)

// APIAnnotation represents metadata for API endpoints used in OpenAPI generation
type APIAnnotation struct {
	Path        string            `json:"path"`
	Method      string            `json:"method"`
	Summary     string            `json:"summary"`
	Description string            `json:"description"`
	Tags        []string          `json:"tags"`
	Deprecated  bool              `json:"deprecated"`
	Security    []string          `json:"security"`
	Parameters  []ParameterSpec   `json:"parameters"`
	RequestBody *RequestBodySpec  `json:"requestBody,omitempty"`
	Responses   map[string]ResponseSpec `json:"responses"`
}

// ParameterSpec defines a parameter specification for OpenAPI
type ParameterSpec struct {
	Name        string      `json:"name"`
	In          string      `json:"in"` // query, header, path, cookie
	Type        string      `json:"type"`
	Format      string      `json:"format,omitempty"`
	Description string      `json:"description"`
	Required    bool        `json:"required"`
	Default     interface{} `json:"default,omitempty"`
	Example     interface{} `json:"example,omitempty"`
	Enum        []interface{} `json:"enum,omitempty"`
	Pattern     string      `json:"pattern,omitempty"`
	MinLength   *int        `json:"minLength,omitempty"`
	MaxLength   *int        `json:"maxLength,omitempty"`
	Minimum     *float64    `json:"minimum,omitempty"`
	Maximum     *float64    `json:"maximum,omitempty"`
}

// RequestBodySpec defines the request body specification
type RequestBodySpec struct {
	Description string                 `json:"description"`
	Required    bool                   `json:"required"`
	Content     map[string]MediaTypeSpec `json:"content"`
}

// ResponseSpec defines a response specification
type ResponseSpec struct {
	Description string                 `json:"description"`
	Content     map[string]MediaTypeSpec `json:"content,omitempty"`
	Headers     map[string]HeaderSpec  `json:"headers,omitempty"`
}

// MediaTypeSpec defines media type specification
type MediaTypeSpec struct {
	Schema  SchemaSpec  `json:"schema"`
	Example interface{} `json:"example,omitempty"`
}

// SchemaSpec defines JSON schema specification
type SchemaSpec struct {
	Type                 string                 `json:"type,omitempty"`
	Format               string                 `json:"format,omitempty"`
	Description          string                 `json:"description,omitempty"`
	Properties           map[string]SchemaSpec  `json:"properties,omitempty"`
	Required             []string               `json:"required,omitempty"`
	Items                *SchemaSpec            `json:"items,omitempty"`
	AdditionalProperties interface{}            `json:"additionalProperties,omitempty"`
	Enum                 []interface{}          `json:"enum,omitempty"`
	Example              interface{}            `json:"example,omitempty"`
	Default              interface{}            `json:"default,omitempty"`
	Ref                  string                 `json:"$ref,omitempty"`
	OneOf                []SchemaSpec           `json:"oneOf,omitempty"`
	AnyOf                []SchemaSpec           `json:"anyOf,omitempty"`
	AllOf                []SchemaSpec           `json:"allOf,omitempty"`
}

// HeaderSpec defines header specification
type HeaderSpec struct {
	Description string      `json:"description"`
	Type        string      `json:"type"`
	Format      string      `json:"format,omitempty"`
	Example     interface{} `json:"example,omitempty"`
}

// EndpointRegistry stores API endpoint annotations
type EndpointRegistry struct {
	endpoints map[string]*APIAnnotation
}

// NewEndpointRegistry creates a new endpoint registry
func NewEndpointRegistry() *EndpointRegistry {
	return &EndpointRegistry{
		endpoints: make(map[string]*APIAnnotation),
	}
}

// Register adds an API annotation to the registry
func (r *EndpointRegistry) Register(annotation *APIAnnotation) {
	key := fmt.Sprintf("%s:%s", annotation.Method, annotation.Path)
	r.endpoints[key] = annotation
}

// GetAll returns all registered API annotations
func (r *EndpointRegistry) GetAll() map[string]*APIAnnotation {
	return r.endpoints
}

// GetByPath returns annotations for a specific path
func (r *EndpointRegistry) GetByPath(path string) []*APIAnnotation {
	var results []*APIAnnotation
	for _, annotation := range r.endpoints {
		if annotation.Path == path {
			results = append(results, annotation)
		}
	}
	return results
}

// GetByTag returns annotations with a specific tag
func (r *EndpointRegistry) GetByTag(tag string) []*APIAnnotation {
	var results []*APIAnnotation
	for _, annotation := range r.endpoints {
		for _, t := range annotation.Tags {
			if t == tag {
				results = append(results, annotation)
				break
			}
		}
	}
	return results
}

// Global endpoint registry
var DefaultRegistry = NewEndpointRegistry()

// RegisterEndpoint is a convenience function to register an endpoint
func RegisterEndpoint(annotation *APIAnnotation) {
	DefaultRegistry.Register(annotation)
}

// APIDoc creates a documentation annotation for a handler
type APIDoc struct {
	Summary     string
	Description string
	Tags        []string
	Deprecated  bool
	Security    []string
}

// Param creates a parameter specification
func Param(name, in, paramType, description string, required bool) ParameterSpec {
	return ParameterSpec{
		Name:        name,
		In:          in,
		Type:        paramType,
		Description: description,
		Required:    required,
	}
}

// QueryParam creates a query parameter specification
func QueryParam(name, paramType, description string, required bool) ParameterSpec {
	return Param(name, "query", paramType, description, required)
}

// PathParam creates a path parameter specification
func PathParam(name, paramType, description string) ParameterSpec {
	return Param(name, "path", paramType, description, true)
}

// HeaderParam creates a header parameter specification
func HeaderParam(name, paramType, description string, required bool) ParameterSpec {
	return Param(name, "header", paramType, description, required)
}

// JSONRequest creates a JSON request body specification
func JSONRequest(description string, schema SchemaSpec, required bool) *RequestBodySpec {
	return &RequestBodySpec{
		Description: description,
		Required:    required,
		Content: map[string]MediaTypeSpec{
			"application/json": {
				Schema: schema,
			},
		},
	}
}

// JSONResponse creates a JSON response specification
func JSONResponse(description string, schema SchemaSpec) ResponseSpec {
	return ResponseSpec{
		Description: description,
		Content: map[string]MediaTypeSpec{
			"application/json": {
				Schema: schema,
			},
		},
	}
}

// PlainTextResponse creates a plain text response specification
func PlainTextResponse(description string) ResponseSpec {
	return ResponseSpec{
		Description: description,
		Content: map[string]MediaTypeSpec{
			"text/plain": {
				Schema: SchemaSpec{
					Type: "string",
				},
			},
		},
	}
}

// HTMLResponse creates an HTML response specification
func HTMLResponse(description string) ResponseSpec {
	return ResponseSpec{
		Description: description,
		Content: map[string]MediaTypeSpec{
			"text/html": {
				Schema: SchemaSpec{
					Type: "string",
				},
			},
		},
	}
}

// SchemaFromStruct creates a schema specification from a Go struct
func SchemaFromStruct(v interface{}) SchemaSpec {
	t := reflect.TypeOf(v)
	if t.Kind() == reflect.Ptr {
		t = t.Elem()
	}

	schema := SchemaSpec{
		Type:       "object",
		Properties: make(map[string]SchemaSpec),
	}

	if t.Kind() != reflect.Struct {
		return SchemaSpec{Type: "object"}
	}

	var required []string
	for i := 0; i < t.NumField(); i++ {
		field := t.Field(i)
		if field.PkgPath != "" { // unexported field
			continue
		}

		jsonTag := field.Tag.Get("json")
		if jsonTag == "" || jsonTag == "-" {
			continue
		}

		tagParts := strings.Split(jsonTag, ",")
		fieldName := tagParts[0]
		
		fieldSchema := schemaFromType(field.Type)
		
		// Check for description in tag
		if desc := field.Tag.Get("description"); desc != "" {
			fieldSchema.Description = desc
		}
		
		// Check if field is required (not omitempty)
		isRequired := true
		for _, part := range tagParts[1:] {
			if part == "omitempty" {
				isRequired = false
				break
			}
		}
		
		if isRequired {
			required = append(required, fieldName)
		}
		
		schema.Properties[fieldName] = fieldSchema
	}

	if len(required) > 0 {
		schema.Required = required
	}

	return schema
}

// schemaFromType converts a Go type to a JSON schema specification
func schemaFromType(t reflect.Type) SchemaSpec {
	switch t.Kind() {
	case reflect.String:
		return SchemaSpec{Type: "string"}
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return SchemaSpec{Type: "integer"}
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		return SchemaSpec{Type: "integer"}
	case reflect.Float32, reflect.Float64:
		return SchemaSpec{Type: "number"}
	case reflect.Bool:
		return SchemaSpec{Type: "boolean"}
	case reflect.Slice, reflect.Array:
		items := schemaFromType(t.Elem())
		return SchemaSpec{
			Type:  "array",
			Items: &items,
		}
	case reflect.Map:
		if t.Key().Kind() == reflect.String {
			additionalProps := schemaFromType(t.Elem())
			return SchemaSpec{
				Type:                 "object",
				AdditionalProperties: additionalProps,
			}
		}
		return SchemaSpec{Type: "object"}
	case reflect.Struct:
		// For complex structs, we should ideally create a reference
		// For now, return a generic object
		return SchemaSpec{Type: "object"}
	case reflect.Ptr:
		schema := schemaFromType(t.Elem())
		// In OpenAPI 3.0, nullable is handled differently
		return schema
	case reflect.Interface:
		return SchemaSpec{} // Any type
	default:
		return SchemaSpec{Type: "object"}
	}
}

// Predefined common schemas for the gateway's own REST surface (§C11, C5,
// C8, C10 — chat submission, auth, and the operator admin endpoints).
var (
	// ChatSubmitSchema is the body of POST /api/v1/chat.
	ChatSubmitSchema = SchemaSpec{
		Type:        "object",
		Description: "A student question submitted to the RAG orchestrator",
		Required:    []string{"user_id", "question"},
		Properties: map[string]SchemaSpec{
			"user_id":    {Type: "string", Description: "Authenticated user ID"},
			"subject_id": {Type: "string", Description: "Subject ID to scope retrieval"},
			"question":   {Type: "string", Description: "The student's question"},
		},
	}

	// TicketSchema is the data payload of POST /api/v1/chat once a request
	// is queued.
	TicketSchema = SchemaSpec{
		Type:     "object",
		Required: []string{"queue_id"},
		Properties: map[string]SchemaSpec{
			"queue_id": {Type: "string", Format: "uuid"},
		},
	}

	// PositionSchema is the data payload of GET /api/v1/chat/position.
	PositionSchema = SchemaSpec{
		Type:     "object",
		Required: []string{"position"},
		Properties: map[string]SchemaSpec{
			"position": {Type: "integer", Description: "1-based queue position; 0 if active, -1 if finished, -2 if unknown"},
		},
	}

	// LoginRequestSchema is the body of POST /api/v1/auth/login.
	LoginRequestSchema = SchemaSpec{
		Type:     "object",
		Required: []string{"username", "password"},
		Properties: map[string]SchemaSpec{
			"username": {Type: "string"},
			"password": {Type: "string", Format: "password"},
		},
	}

	// SessionSchema is the session issued by a successful login.
	SessionSchema = SchemaSpec{
		Type:     "object",
		Required: []string{"token", "expires_at"},
		Properties: map[string]SchemaSpec{
			"token":      {Type: "string"},
			"expires_at": {Type: "string", Format: "date-time"},
		},
	}

	// QueueStatsSchema is the data payload of GET /api/v1/admin/queue.
	// dispatcher.Stats carries no JSON tags, so keys are the Go field names.
	QueueStatsSchema = SchemaSpec{
		Type: "object",
		Properties: map[string]SchemaSpec{
			"Depth":          {Type: "integer"},
			"Active":         {Type: "integer"},
			"AdmittedTotal":  {Type: "integer"},
			"RejectedTotal":  {Type: "integer"},
			"CompletedTotal": {Type: "integer"},
		},
	}

	// RollbackRequestSchema is the body of POST /api/v1/admin/vkp/rollback.
	RollbackRequestSchema = SchemaSpec{
		Type:     "object",
		Required: []string{"subject", "version"},
		Properties: map[string]SchemaSpec{
			"subject": {Type: "string"},
			"grade":   {Type: "integer"},
			"version": {Type: "string"},
		},
	}

	// SnapshotResponseSchema is the data payload of POST /api/v1/admin/snapshot.
	SnapshotResponseSchema = SchemaSpec{
		Type: "object",
		Properties: map[string]SchemaSpec{
			"kind":        {Type: "string", Enum: []interface{}{"full", "incremental"}},
			"path":        {Type: "string"},
			"created_at":  {Type: "string", Format: "date-time"},
			"entry_count": {Type: "integer"},
			"size":        {Type: "integer", Description: "Archive size in bytes"},
		},
	}

	// ErrorSchema is the error body response.WriteError writes.
	ErrorSchema = SchemaSpec{
		Type:     "object",
		Required: []string{"error", "timestamp"},
		Properties: map[string]SchemaSpec{
			"error": {Type: "object", Required: []string{"code", "message"}, Properties: map[string]SchemaSpec{
				"code":    {Type: "string", Description: "One of response's ErrorCode values"},
				"message": {Type: "string"},
				"details": {Type: "string"},
			}},
			"timestamp":  {Type: "string", Format: "date-time"},
			"request_id": {Type: "string"},
		},
	}
)

// Helper function to create float64 pointer
func float64Ptr(f float64) *float64 {
	return &f
}

// InitializeGatewayEndpoints registers annotations for /health and every
// /api/v1 route router.go exposes, feeding cmd/openapi's generate command.
// /readiness, /liveness and /ping are not annotated. Success schemas
// describe the payload that response.WriteSuccess places under "data".
func InitializeGatewayEndpoints() {
	healthSchema := SchemaSpec{Type: "object", Properties: map[string]SchemaSpec{
		"status": {Type: "string", Enum: []interface{}{"healthy", "degraded"}},
		"uptime": {Type: "string"},
		"checks": {Type: "object"},
	}}
	RegisterEndpoint(&APIAnnotation{
		Path: "/health", Method: "GET", Summary: "Liveness/health probe",
		Description: "Runs C10's probe cycle across the metadata store, vector store, inference engine, and dispatcher.",
		Tags:        []string{"Health"},
		Responses: map[string]ResponseSpec{
			"200": JSONResponse("Healthy", healthSchema),
			"503": JSONResponse("One or more probes failed", healthSchema),
		},
	})

	RegisterEndpoint(&APIAnnotation{
		Path: "/api/v1/auth/register", Method: "POST", Summary: "Register a new user",
		Tags:        []string{"Auth"},
		RequestBody: JSONRequest("New user credentials and role", SchemaFromStruct(struct {
			Username    string `json:"username"`
			Password    string `json:"password"`
			DisplayName string `json:"display_name"`
			Role        string `json:"role"`
		}{}), true),
		Responses: map[string]ResponseSpec{
			"200": JSONResponse("User created", SchemaSpec{Type: "object", Properties: map[string]SchemaSpec{
				"user_id": {Type: "string"},
			}}),
			"400": JSONResponse("Invalid request", ErrorSchema),
		},
	})

	RegisterEndpoint(&APIAnnotation{
		Path: "/api/v1/auth/login", Method: "POST", Summary: "Exchange credentials for a session",
		Tags:        []string{"Auth"},
		RequestBody: JSONRequest("Login credentials", LoginRequestSchema, true),
		Responses: map[string]ResponseSpec{
			"200": JSONResponse("Session issued", SessionSchema),
			"401": JSONResponse("Invalid credentials", ErrorSchema),
			"429": JSONResponse("Too many login attempts", ErrorSchema),
		},
	})

	RegisterEndpoint(&APIAnnotation{
		Path: "/api/v1/auth/logout", Method: "POST", Summary: "Invalidate the caller's session",
		Tags:     []string{"Auth"},
		Security: []string{"bearerAuth"},
		Responses: map[string]ResponseSpec{
			"204": {Description: "Session revoked"},
		},
	})

	RegisterEndpoint(&APIAnnotation{
		Path: "/api/v1/chat", Method: "POST", Summary: "Submit a question to the dispatcher",
		Description: "Enqueues a chat request for C6's retrieve-then-generate pipeline, subject to C5's bounded concurrency.",
		Tags:        []string{"Chat"},
		Security:    []string{"bearerAuth"},
		RequestBody: JSONRequest("Chat submission", ChatSubmitSchema, true),
		Responses: map[string]ResponseSpec{
			"200": JSONResponse("Queued", TicketSchema),
			"400": JSONResponse("Invalid request body or missing question", ErrorSchema),
			"401": JSONResponse("Missing or expired session", ErrorSchema),
			"429": JSONResponse("Rate limited", ErrorSchema),
			"503": JSONResponse("Queue at capacity", ErrorSchema),
		},
	})

	RegisterEndpoint(&APIAnnotation{
		Path: "/api/v1/chat/stream", Method: "GET", Summary: "Stream events for a queued request",
		Description: "WebSocket upgrade carrying C7's stream protocol events for one queued request.",
		Tags:        []string{"Chat"},
		Security:    []string{"bearerAuth"},
		Parameters:  []ParameterSpec{QueryParam("queue_id", "string", "Queue ID returned by POST /api/v1/chat", true)},
		Responses: map[string]ResponseSpec{
			"101": {Description: "WebSocket connection established"},
			"404": JSONResponse("Unknown or already-streamed queue ID", ErrorSchema),
		},
	})

	RegisterEndpoint(&APIAnnotation{
		Path: "/api/v1/chat/position", Method: "GET", Summary: "Poll a request's queue position",
		Tags:       []string{"Chat"},
		Security:   []string{"bearerAuth"},
		Parameters: []ParameterSpec{QueryParam("queue_id", "string", "Queue ID to poll", true)},
		Responses: map[string]ResponseSpec{
			"200": JSONResponse("Current position", PositionSchema),
		},
	})

	RegisterEndpoint(&APIAnnotation{
		Path: "/api/v1/chat/cancel", Method: "POST", Summary: "Cancel a queued or in-flight request",
		Tags:       []string{"Chat"},
		Security:   []string{"bearerAuth"},
		Parameters: []ParameterSpec{QueryParam("queue_id", "string", "Queue ID to cancel", true)},
		Responses: map[string]ResponseSpec{
			"204": {Description: "Cancelled"},
			"404": JSONResponse("Unknown queue ID", ErrorSchema),
		},
	})

	RegisterEndpoint(&APIAnnotation{
		Path: "/api/v1/admin/queue", Method: "GET", Summary: "Report dispatcher queue stats",
		Tags:     []string{"Admin"},
		Security: []string{"bearerAuth"},
		Responses: map[string]ResponseSpec{
			"200": JSONResponse("Queue stats", QueueStatsSchema),
			"403": JSONResponse("Caller is not a teacher or admin", ErrorSchema),
		},
	})

	RegisterEndpoint(&APIAnnotation{
		Path: "/api/v1/admin/vkp/rollback", Method: "POST", Summary: "Roll a subject/grade back to a prior VKP version",
		Description: "Requires the target version to still be within C8's grace-period retention window.",
		Tags:        []string{"Admin"},
		Security:    []string{"bearerAuth"},
		RequestBody: JSONRequest("Rollback target", RollbackRequestSchema, true),
		Responses: map[string]ResponseSpec{
			"204": {Description: "Rolled back"},
			"400": JSONResponse("Version not in grace period", ErrorSchema),
			"403": JSONResponse("Caller is not a teacher or admin", ErrorSchema),
		},
	})

	RegisterEndpoint(&APIAnnotation{
		Path: "/api/v1/admin/snapshot", Method: "POST", Summary: "Trigger an out-of-band full snapshot",
		Tags:     []string{"Admin"},
		Security: []string{"bearerAuth"},
		Responses: map[string]ResponseSpec{
			"200": JSONResponse("Snapshot written", SnapshotResponseSchema),
			"403": JSONResponse("Caller is not a teacher or admin", ErrorSchema),
		},
	})
}
// BuildOpenAPISpec renders every registered annotation into an OpenAPI 3
// document tree, suitable for yaml.Marshal. It is the generation half of
// cmd/openapi's "generate" command; "validate"/"serve" still read the
// checked-in api/openapi.yaml so a hand reviewed spec stays authoritative
// until a maintainer re-runs generate and commits the diff.
func BuildOpenAPISpec(title, version string) map[string]interface{} {
	paths := make(map[string]interface{})
	for _, annotation := range DefaultRegistry.GetAll() {
		method := strings.ToLower(annotation.Method)
		pathItem, ok := paths[annotation.Path].(map[string]interface{})
		if !ok {
			pathItem = make(map[string]interface{})
			paths[annotation.Path] = pathItem
		}
		pathItem[method] = annotationToOperation(annotation)
	}

	return map[string]interface{}{
		"openapi": "3.0.3",
		"info": map[string]interface{}{
			"title":   title,
			"version": version,
		},
		"paths": paths,
		"components": map[string]interface{}{
			"securitySchemes": map[string]interface{}{
				"bearerAuth": map[string]interface{}{
					"type":   "http",
					"scheme": "bearer",
				},
			},
		},
	}
}

func annotationToOperation(a *APIAnnotation) map[string]interface{} {
	op := map[string]interface{}{
		"summary":     a.Summary,
		"description": a.Description,
		"tags":        a.Tags,
	}
	if a.Deprecated {
		op["deprecated"] = true
	}
	if len(a.Security) > 0 {
		sec := make([]map[string]interface{}, len(a.Security))
		for i, s := range a.Security {
			sec[i] = map[string]interface{}{s: []string{}}
		}
		op["security"] = sec
	}
	if len(a.Parameters) > 0 {
		params := make([]map[string]interface{}, 0, len(a.Parameters))
		for _, p := range a.Parameters {
			params = append(params, parameterToMap(p))
		}
		op["parameters"] = params
	}
	if a.RequestBody != nil {
		op["requestBody"] = requestBodyToMap(a.RequestBody)
	}
	responses := make(map[string]interface{}, len(a.Responses))
	for code, resp := range a.Responses {
		responses[code] = responseToMap(resp)
	}
	op["responses"] = responses
	return op
}

func parameterToMap(p ParameterSpec) map[string]interface{} {
	m := map[string]interface{}{
		"name":        p.Name,
		"in":          p.In,
		"description": p.Description,
		"required":    p.Required,
		"schema":      schemaToMap(SchemaSpec{Type: p.Type, Format: p.Format, Enum: p.Enum, Pattern: p.Pattern}),
	}
	return m
}

func requestBodyToMap(rb *RequestBodySpec) map[string]interface{} {
	content := make(map[string]interface{}, len(rb.Content))
	for mt, media := range rb.Content {
		content[mt] = map[string]interface{}{"schema": schemaToMap(media.Schema)}
	}
	return map[string]interface{}{
		"description": rb.Description,
		"required":    rb.Required,
		"content":     content,
	}
}

func responseToMap(r ResponseSpec) map[string]interface{} {
	m := map[string]interface{}{"description": r.Description}
	if len(r.Content) > 0 {
		content := make(map[string]interface{}, len(r.Content))
		for mt, media := range r.Content {
			content[mt] = map[string]interface{}{"schema": schemaToMap(media.Schema)}
		}
		m["content"] = content
	}
	return m
}

func schemaToMap(s SchemaSpec) map[string]interface{} {
	m := make(map[string]interface{})
	if s.Type != "" {
		m["type"] = s.Type
	}
	if s.Format != "" {
		m["format"] = s.Format
	}
	if s.Description != "" {
		m["description"] = s.Description
	}
	if len(s.Properties) > 0 {
		props := make(map[string]interface{}, len(s.Properties))
		for name, prop := range s.Properties {
			props[name] = schemaToMap(prop)
		}
		m["properties"] = props
	}
	if len(s.Required) > 0 {
		m["required"] = s.Required
	}
	if s.Items != nil {
		m["items"] = schemaToMap(*s.Items)
	}
	if len(s.Enum) > 0 {
		m["enum"] = s.Enum
	}
	if s.Example != nil {
		m["example"] = s.Example
	}
	return m
}
