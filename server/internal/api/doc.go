// Package api implements the HTTP REST API for ppeguard-server.
//
// New(deps) returns an http.Handler that serves:
//
//	GET  /api/v1/health                    status, timestamp, active rule, counters
//	POST /api/v1/compliance/check          JSON check request
//	POST /api/v1/compliance/check-upload   multipart "file" plus worker fields
//	GET  /api/v1/compliance/records        ?worker_id&department&is_compliant&offset&limit
//	GET  /api/v1/compliance/records/{id}   one record; 404 if unknown
//	POST /api/v1/workers                   create; 409 if the ID is taken
//	GET  /api/v1/workers                   ?offset&limit
//	GET  /api/v1/workers/{workerID}        one worker; 404 if unknown
//	POST /api/v1/alerts                    manual alert for a stored record
//	POST /api/v1/webhooks/compliance       compliance_check | manual_alert callback
//	GET  /api/v1/violations/recent         live violations, newest first
//	GET  /ws/stream                        WebSocket feed (when configured)
//	GET  /metrics                          Prometheus exposition (when configured)
//
// Responses are JSON. Errors use {"error": "..."} with the status derived
// from the error: invalid input 400, unknown record or worker 404, duplicate
// worker 409, detector failure 502, no detector 503.
package api
