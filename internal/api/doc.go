// Package api hosts the HTTP server, middleware and handlers. Notable routes:
//   - POST /tracker/{trackerId}/data and POST /{trackerId}/track for beacons.
//   - GET /{trackerId}/pixel.gif for script-less page views.
//   - GET /tracker/{trackerId}/content and /{trackerId}/content for injected content.
//   - GET /{trackerId}/tracker.js for the embeddable client.
//   - /admin/... for manual drains, processor status and buffer depth.
//   - GET /api/sites/{siteId}/analytics for the dashboard read path.
//   - GET /healthz, /readyz and /metrics for health checks and Prometheus scraping.
package api
