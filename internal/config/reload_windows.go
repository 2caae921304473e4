//go:build windows

package config

// registerSignalHandler does nothing: there is no SIGHUP on Windows.
// Policy hot-reload still happens through the file watcher.
func (r *Reloader) registerSignalHandler() {
	r.logger.Info("no SIGHUP on this platform; reload via file watcher only")
}
