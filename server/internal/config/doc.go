// Package config loads the service configuration from config.yaml.
//
// Sections:
//   - server     : http_port (default 8080), log_level (default info)
//   - database   : dsn_env, max_open_conns; no DSN keeps data in memory
//   - detector   : Roboflow api_key_env, project, version, base_url, timeout, classes
//   - compliance : categories, required, confidence_floor (default 0.5)
//   - alerts     : retry policy, max_concurrency, default_channels and the
//     slack, email, whatsapp and amqp channel settings
//   - feed       : recent_ttl for the live violations feed (default 15m)
//
// Secrets never live in the file. Fields ending in _env name the environment
// variable that holds the value.
//
// Load(path) applies defaults before unmarshalling, then validates. Watch
// re-runs Load on every write so the compliance rule can change without a
// restart.
package config
