package handlers

import (
	"encoding/json"
	"net/http"
)

// OpenAPISpec returns the OpenAPI 3.0 specification for the ParkPulse API
func OpenAPISpec(w http.ResponseWriter, r *http.Request) {
	paginationParams := []map[string]interface{}{
		{
			"name":        "period_type",
			"in":          "query",
			"description": "Filter by period granularity (hourly, daily, weekly, monthly, yearly)",
			"required":    false,
			"schema":      map[string]string{"type": "string"},
		},
		{
			"name":        "start",
			"in":          "query",
			"description": "Filter by period start date (YYYY-MM-DD)",
			"required":    false,
			"schema":      map[string]string{"type": "string", "format": "date"},
		},
		{
			"name":        "end",
			"in":          "query",
			"description": "Filter by period end date (YYYY-MM-DD)",
			"required":    false,
			"schema":      map[string]string{"type": "string", "format": "date"},
		},
		{
			"name":        "page",
			"in":          "query",
			"description": "Page number (default: 1)",
			"required":    false,
			"schema":      map[string]interface{}{"type": "integer", "default": 1},
		},
		{
			"name":        "limit",
			"in":          "query",
			"description": "Records per page (default: 100)",
			"required":    false,
			"schema":      map[string]interface{}{"type": "integer", "default": 100},
		},
	}

	parkIDParam := map[string]interface{}{
		"name":        "park_id",
		"in":          "path",
		"description": "Park identifier",
		"required":    true,
		"schema":      map[string]string{"type": "integer"},
	}

	statsRowSchema := map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"period_type":      map[string]string{"type": "string"},
			"period_start":     map[string]string{"type": "string", "format": "date-time"},
			"uptime_pct":       map[string]interface{}{"type": "number", "nullable": true},
			"downtime_minutes": map[string]string{"type": "integer"},
			"avg_wait_time":    map[string]interface{}{"type": "number", "nullable": true},
			"peak_wait_time":   map[string]interface{}{"type": "integer", "nullable": true},
			"shame_score":      map[string]interface{}{"type": "number", "nullable": true},
			"status_changes":   map[string]string{"type": "integer"},
			"snapshot_count":   map[string]string{"type": "integer"},
		},
	}

	spec := map[string]interface{}{
		"openapi": "3.0.0",
		"info": map[string]interface{}{
			"title":       "ParkPulse API",
			"description": "Theme park ride reliability aggregates: downtime events, operating sessions, and shame scores over raw status snapshots",
			"version":     "1.0.0",
			"contact": map[string]string{
				"name": "ParkPulse Team",
			},
		},
		"servers": []map[string]string{
			{"url": "http://localhost:8080", "description": "Local development server"},
		},
		"paths": map[string]interface{}{
			"/api/parks/{park_id}/shame": map[string]interface{}{
				"get": map[string]interface{}{
					"summary":     "Get average shame score",
					"description": "Average park shame score over a UTC time range. Null means the score was incomputable, which is distinct from zero.",
					"parameters": []map[string]interface{}{
						parkIDParam,
						{
							"name":        "start",
							"in":          "query",
							"description": "Range start (RFC3339)",
							"required":    true,
							"schema":      map[string]string{"type": "string", "format": "date-time"},
						},
						{
							"name":        "end",
							"in":          "query",
							"description": "Range end (RFC3339, exclusive)",
							"required":    true,
							"schema":      map[string]string{"type": "string", "format": "date-time"},
						},
					},
					"responses": map[string]interface{}{
						"200": map[string]interface{}{
							"description": "Successful response",
							"content": map[string]interface{}{
								"application/json": map[string]interface{}{
									"schema": map[string]interface{}{
										"type": "object",
										"properties": map[string]interface{}{
											"park_id": map[string]string{"type": "integer"},
											"start":   map[string]string{"type": "string", "format": "date-time"},
											"end":     map[string]string{"type": "string", "format": "date-time"},
											"score":   map[string]interface{}{"type": "number", "nullable": true},
										},
									},
								},
							},
						},
					},
				},
			},
			"/api/parks/{park_id}/shame/current": map[string]interface{}{
				"get": map[string]interface{}{
					"summary":     "Get instantaneous shame score",
					"description": "Shame score for the park's most recent snapshot instant",
					"parameters":  []map[string]interface{}{parkIDParam},
					"responses": map[string]interface{}{
						"200": map[string]interface{}{
							"description": "Successful response",
						},
					},
				},
			},
			"/api/parks/{park_id}/shame/hourly": map[string]interface{}{
				"get": map[string]interface{}{
					"summary":     "Get hourly shame breakdown",
					"description": "24 park-local hourly shame buckets for one date; hours without snapshots are null",
					"parameters": []map[string]interface{}{
						parkIDParam,
						{
							"name":        "date",
							"in":          "query",
							"description": "Park-local calendar date (YYYY-MM-DD)",
							"required":    true,
							"schema":      map[string]string{"type": "string", "format": "date"},
						},
					},
					"responses": map[string]interface{}{
						"200": map[string]interface{}{
							"description": "Successful response",
						},
					},
				},
			},
			"/api/parks/{park_id}/stats": map[string]interface{}{
				"get": map[string]interface{}{
					"summary":     "Get park period statistics",
					"description": "Pre-aggregated park statistics with filtering and pagination",
					"parameters":  append([]map[string]interface{}{parkIDParam}, paginationParams...),
					"responses": map[string]interface{}{
						"200": map[string]interface{}{
							"description": "Successful response",
							"content": map[string]interface{}{
								"application/json": map[string]interface{}{
									"schema": map[string]interface{}{
										"type": "object",
										"properties": map[string]interface{}{
											"data": map[string]interface{}{
												"type":  "array",
												"items": statsRowSchema,
											},
											"total":       map[string]string{"type": "integer"},
											"page":        map[string]string{"type": "integer"},
											"limit":       map[string]string{"type": "integer"},
											"total_pages": map[string]string{"type": "integer"},
										},
									},
								},
							},
						},
					},
				},
			},
			"/api/rides/{ride_id}/stats": map[string]interface{}{
				"get": map[string]interface{}{
					"summary":     "Get ride period statistics",
					"description": "Pre-aggregated ride statistics with filtering and pagination",
					"parameters": append([]map[string]interface{}{
						{
							"name":        "ride_id",
							"in":          "path",
							"description": "Ride identifier",
							"required":    true,
							"schema":      map[string]string{"type": "integer"},
						},
					}, paginationParams...),
					"responses": map[string]interface{}{
						"200": map[string]interface{}{
							"description": "Successful response",
						},
					},
				},
			},
			"/api/downtime/longest": map[string]interface{}{
				"get": map[string]interface{}{
					"summary":     "Get longest downtime events",
					"description": "Completed downtime events ordered by duration, optionally scoped to a park and time range",
					"parameters": []map[string]interface{}{
						{
							"name":        "park_id",
							"in":          "query",
							"description": "Restrict to one park",
							"required":    false,
							"schema":      map[string]string{"type": "integer"},
						},
						{
							"name":        "limit",
							"in":          "query",
							"description": "Maximum events returned (default: 10)",
							"required":    false,
							"schema":      map[string]interface{}{"type": "integer", "default": 10},
						},
					},
					"responses": map[string]interface{}{
						"200": map[string]interface{}{
							"description": "Successful response",
						},
					},
				},
			},
			"/api/jobs/last": map[string]interface{}{
				"get": map[string]interface{}{
					"summary":     "Get last successful aggregation job",
					"description": "The most recent successful aggregation job of a type, including its aggregated_until_ts high-water mark",
					"parameters": []map[string]interface{}{
						{
							"name":        "type",
							"in":          "query",
							"description": "Aggregation type (default: daily)",
							"required":    false,
							"schema":      map[string]string{"type": "string"},
						},
					},
					"responses": map[string]interface{}{
						"200": map[string]interface{}{"description": "Successful response"},
						"404": map[string]interface{}{"description": "No successful job recorded"},
					},
				},
			},
			"/health": map[string]interface{}{
				"get": map[string]interface{}{
					"summary":     "Health check",
					"description": "Check if the API and its database are reachable",
					"responses": map[string]interface{}{
						"200": map[string]interface{}{
							"description": "API is healthy",
							"content": map[string]interface{}{
								"application/json": map[string]interface{}{
									"schema": map[string]interface{}{
										"type": "object",
										"properties": map[string]interface{}{
											"status": map[string]string{"type": "string"},
										},
									},
								},
							},
						},
					},
				},
			},
			"/metrics": map[string]interface{}{
				"get": map[string]interface{}{
					"summary":     "Prometheus metrics",
					"description": "Prometheus metrics endpoint for monitoring",
					"responses": map[string]interface{}{
						"200": map[string]interface{}{
							"description": "Prometheus metrics in text format",
							"content": map[string]interface{}{
								"text/plain": map[string]interface{}{
									"schema": map[string]string{"type": "string"},
								},
							},
						},
					},
				},
			},
		},
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(spec)
}
