// Package config holds the settings of one onionfetch run: Tor bootstrap
// mode, timeouts, geolocation, report output and history storage. Values
// come from defaults, an optional .onionfetch YAML file and CLI flags, in
// that order of precedence from lowest to highest.
package config
