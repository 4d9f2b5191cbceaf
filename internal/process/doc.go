// Package process provides generic subprocess lifecycle management.
//
// This package manages long-running child processes, primarily the MeshCore
// protocol bridge, that the monitor depends on.
//
// Features:
//   - Start/stop subprocess with graceful shutdown (SIGTERM then SIGKILL)
//   - Process-group signalling so children are not orphaned
//   - Automatic restart on failure with capped attempts
//   - Line-oriented stdout delivery for stdio protocols, stderr log capture
//   - Stdin pipe access for writing requests to the child
//   - Context-based cancellation for clean shutdown
//
// Example usage:
//
//	mgr := process.NewManager(process.Config{
//	    Name:              "meshcore-bridge",
//	    Binary:            "/usr/bin/python3",
//	    Args:              []string{"scripts/meshcore-bridge.py"},
//	    GracefulTimeout:   5 * time.Second,
//	    StdoutLineHandler: func(line string) { handleFrame(line) },
//	})
//
//	if err := mgr.Start(ctx); err != nil {
//	    log.Fatal(err)
//	}
//	defer mgr.Stop()
package process
