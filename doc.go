// Package notifyenv runs Go tests against a long-running program that is
// started fresh for each test and torn down afterwards.
//
// The program is launched as `go run . -config <file> [--verbose]` from the
// module root, as the leader of a new process group. Its environment carries
// NOTIFY_SOCKET, the path of a datagram socket in a fresh temporary
// directory. The test body starts only after the program sends its first
// datagram there (the sd_notify "READY=1" convention). When the body
// returns, fails, or panics, the whole process group receives SIGTERM, and
// SIGKILL after a grace period.
//
// # Basic Usage
//
//	func TestHello(t *testing.T) {
//	    notifyenv.Test("hello.yaml", func(ctx context.Context, t *testing.T) {
//	        conn, err := net.Dial("tcp", "localhost:6053")
//	        if err != nil {
//	            t.Fatal(err)
//	        }
//	        defer conn.Close()
//	        // exercise the program...
//	    })(t)
//	}
//
// The program reports readiness with github.com/coreos/go-systemd/v22/daemon:
//
//	daemon.SdNotify(false, daemon.SdNotifyReady)
//
// # Startup Failures
//
// Errors that mean the program never came up wrap ErrChannelSetup, ErrLaunch,
// ErrReadinessTimeout, or ErrProcessExited; IsStartupFailure tells them apart
// from test failures. No startup step is retried.
//
// # Programs With Fixed Ports
//
// Parallel tests each get their own socket and process group. Programs that
// bind a fixed port still collide, so serialize them with WithExclusiveLock,
// which holds a file lock shared by every test binary on the machine:
//
//	r := notifyenv.New(notifyenv.WithExclusiveLock("port-6053"))
//	t.Run("hello", r.Test("hello.yaml", testHello))
//	t.Run("auth", r.Test("auth.yaml", testAuth))
//
// Programs that read their port from the environment can run in parallel
// instead. WithPortEnv hands each run a free port and Port reads it back:
//
//	r := notifyenv.New(notifyenv.WithPortEnv("HTTP_PORT"))
//	t.Run("hello", r.Test("hello.yaml", func(ctx context.Context, t *testing.T) {
//	    port, _ := notifyenv.Port(ctx, "HTTP_PORT")
//	    // dial 127.0.0.1:port...
//	}))
package notifyenv
