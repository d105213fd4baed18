package sandbox

import (
	"context"
	"testing"
	"time"

	"github.com/shoenig/test/must"
)

func TestClassifyCompile(t *testing.T) {
	cases := []struct {
		name    string
		res     Result
		verdict CompileVerdict
	}{
		{"ok", Result{Status: OK, ExitCode: 0}, CompileOK},
		{"nonzero exit", Result{Status: OK, ExitCode: 1}, CompileFailed},
		{"timeout", Result{Status: Timeout}, CompileFailed},
		{"wall timeout", Result{Status: WallTimeout}, CompileFailed},
		{"signal", Result{Status: Signal, SignalNumber: 9}, CompileFailed},
		{"sandbox error", Result{Status: SandboxError}, CompileRetry},
		{"syscall", Result{Status: Syscall}, CompileRetry},
		{"file access", Result{Status: FileAccess}, CompileRetry},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			verdict, text := ClassifyCompile(tc.res)
			must.Eq(t, tc.verdict, verdict)
			must.SliceNotEmpty(t, text)
		})
	}
}

func TestClassifyCompile_SignalText(t *testing.T) {
	_, text := ClassifyCompile(Result{Status: Signal, SignalNumber: 11})
	must.StrContains(t, text[0], "signal 11")
}

func TestClassifyEvaluate(t *testing.T) {
	cases := []struct {
		name    string
		res     Result
		verdict EvalVerdict
	}{
		{"ok", Result{Status: OK, ExitCode: 0}, EvalProceed},
		{"nonzero exit", Result{Status: OK, ExitCode: 1}, EvalZero},
		{"timeout", Result{Status: Timeout}, EvalZero},
		{"wall timeout", Result{Status: WallTimeout}, EvalZero},
		{"signal", Result{Status: Signal, SignalNumber: 9}, EvalZero},
		{"syscall", Result{Status: Syscall, Message: "ptrace"}, EvalZero},
		{"file access", Result{Status: FileAccess, Message: "/etc/passwd"}, EvalZero},
		{"sandbox error", Result{Status: SandboxError}, EvalRetry},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			verdict, _ := ClassifyEvaluate(tc.res)
			must.Eq(t, tc.verdict, verdict)
		})
	}
}

func TestParseMeta(t *testing.T) {
	res := parseMeta("time:1.234\ntime-wall:2.5\ncg-mem:20480\nexitcode:0\nstatus:\n")
	must.Eq(t, OK, res.Status)
	must.Eq(t, 1234*time.Millisecond, res.CPUTime)
	must.Eq(t, 2500*time.Millisecond, res.WallTime)
	must.Eq(t, int64(20480*1024), res.Memory)

	res = parseMeta("status:TO\nmessage:Time limit exceeded\ntime:2.001\n")
	must.Eq(t, Timeout, res.Status)

	res = parseMeta("status:TO\nmessage:Time limit exceeded (wall clock)\n")
	must.Eq(t, WallTimeout, res.Status)

	res = parseMeta("status:SG\nexitsig:11\nmax-rss:1024\n")
	must.Eq(t, Signal, res.Status)
	must.Eq(t, 11, res.SignalNumber)
	must.Eq(t, int64(1024*1024), res.Memory)

	res = parseMeta("status:RE\nexitcode:3\n")
	must.Eq(t, OK, res.Status)
	must.Eq(t, 3, res.ExitCode)

	res = parseMeta("status:XX\nmessage:fork failed\n")
	must.Eq(t, SandboxError, res.Status)
}

func TestFakeManager(t *testing.T) {
	mgr := &FakeManager{
		RunFunc: func(_ *FakeBox, cmd Command) (Result, error) {
			if cmd.Policy == PolicyEvaluate {
				return Result{Status: Timeout}, nil
			}
			return Result{Status: OK}, nil
		},
	}

	box, err := mgr.NewBox(context.Background())
	must.NoError(t, err)

	res, err := box.Run(context.Background(), Command{Policy: PolicyCompile})
	must.NoError(t, err)
	must.Eq(t, OK, res.Status)

	res, err = box.Run(context.Background(), Command{Policy: PolicyEvaluate})
	must.NoError(t, err)
	must.Eq(t, Timeout, res.Status)

	must.Eq(t, 1, mgr.Leaked())
	must.NoError(t, box.Cleanup())
	must.Eq(t, 0, mgr.Leaked())
}
