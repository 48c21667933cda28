// Package linux holds the i386 user ABI constants and wire structures.
package linux

import "fmt"

type Signal int32

const (
	SIGHUP    Signal = 1
	SIGINT    Signal = 2
	SIGQUIT   Signal = 3
	SIGILL    Signal = 4
	SIGTRAP   Signal = 5
	SIGABRT   Signal = 6
	SIGEMT    Signal = 7
	SIGFPE    Signal = 8
	SIGKILL   Signal = 9
	SIGBUS    Signal = 10
	SIGSEGV   Signal = 11
	SIGSYS    Signal = 12
	SIGPIPE   Signal = 13
	SIGALRM   Signal = 14
	SIGTERM   Signal = 15
	SIGUSR1   Signal = 16
	SIGUSR2   Signal = 17
	SIGCHLD   Signal = 18
	SIGPWR    Signal = 19
	SIGWINCH  Signal = 20
	SIGURG    Signal = 21
	SIGPOLL   Signal = 22
	SIGSTOP   Signal = 23
	SIGTSTP   Signal = 24
	SIGCONT   Signal = 25
	SIGTTIN   Signal = 26
	SIGTTOU   Signal = 27
	SIGVTALRM Signal = 28
	SIGPROF   Signal = 29
	SIGXCPU   Signal = 30
	SIGXFSZ   Signal = 31

	NSIG = 32
)

var signalNames = [NSIG]string{
	"", "SIGHUP", "SIGINT", "SIGQUIT", "SIGILL", "SIGTRAP", "SIGABRT", "SIGEMT",
	"SIGFPE", "SIGKILL", "SIGBUS", "SIGSEGV", "SIGSYS", "SIGPIPE", "SIGALRM",
	"SIGTERM", "SIGUSR1", "SIGUSR2", "SIGCHLD", "SIGPWR", "SIGWINCH", "SIGURG",
	"SIGPOLL", "SIGSTOP", "SIGTSTP", "SIGCONT", "SIGTTIN", "SIGTTOU",
	"SIGVTALRM", "SIGPROF", "SIGXCPU", "SIGXFSZ",
}

func (s Signal) Valid() bool {
	return s > 0 && s < NSIG
}

func (s Signal) String() string {
	if s.Valid() {
		return signalNames[s]
	}
	return fmt.Sprintf("signal(%d)", int32(s))
}

// Stop reports the stop class: STOP, TSTP, TTIN and TTOU.
func (s Signal) Stop() bool {
	switch s {
	case SIGSTOP, SIGTSTP, SIGTTIN, SIGTTOU:
		return true
	}
	return false
}

// DefaultIgnored reports signals whose default action is to do nothing.
func (s Signal) DefaultIgnored() bool {
	switch s {
	case SIGCONT, SIGCHLD, SIGURG, SIGWINCH:
		return true
	}
	return false
}

// Unblockable signals cannot be caught, ignored or masked.
func (s Signal) Unblockable() bool {
	return s == SIGKILL || s == SIGSTOP
}

// ExitCode is the status stored for a task terminated by s.
func (s Signal) ExitCode() int {
	switch s {
	case SIGQUIT:
		return 1
	case SIGILL:
		return 132
	case SIGTRAP:
		return 133
	case SIGABRT:
		return 134
	case SIGFPE:
		return 136
	case SIGBUS:
		return 138
	case SIGSEGV:
		return 139
	case SIGXCPU:
		return 158
	case SIGXFSZ:
		return 159
	}
	return int(s)
}

// SignalSet is a bitset indexed by signal number.
type SignalSet uint64

func SignalSetOf(sigs ...Signal) SignalSet {
	var s SignalSet
	for _, sig := range sigs {
		s = s.Add(sig)
	}
	return s
}

func (s SignalSet) Add(sig Signal) SignalSet {
	return s | 1<<uint(sig)
}

func (s SignalSet) Del(sig Signal) SignalSet {
	return s &^ (1 << uint(sig))
}

func (s SignalSet) Has(sig Signal) bool {
	return s&(1<<uint(sig)) != 0
}

// Lowest returns the lowest signal in s, or 0 when empty.
func (s SignalSet) Lowest() Signal {
	for sig := Signal(1); sig < NSIG; sig++ {
		if s.Has(sig) {
			return sig
		}
	}
	return 0
}

// UnblockableSet is removed from every mask installed by user code.
var UnblockableSet = SignalSetOf(SIGKILL, SIGSTOP)

const (
	SA_NOCLDSTOP = 0x00000001
	SA_NOCLDWAIT = 0x00000002
	SA_SIGINFO   = 0x00000004
	SA_ONSTACK   = 0x08000000
	SA_RESTART   = 0x10000000
	SA_NODEFER   = 0x40000000
	SA_RESETHAND = 0x80000000
)

const (
	SIG_DFL = 0
	SIG_IGN = 1
	SIG_ERR = 0xffffffff
)

const (
	SIG_BLOCK   = 0
	SIG_UNBLOCK = 1
	SIG_SETMASK = 2
)

// si_code values.
const (
	SI_USER   = 0
	SI_KERNEL = 0x80

	CLD_EXITED    = 1
	CLD_KILLED    = 2
	CLD_STOPPED   = 5
	CLD_CONTINUED = 6

	SEGV_MAPERR = 1
	SEGV_ACCERR = 2

	FPE_FLTINV = 7
)
