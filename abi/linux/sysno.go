package linux

// i386 system call numbers.
const (
	SYS_EXIT           = 1
	SYS_FORK           = 2
	SYS_READ           = 3
	SYS_WRITE          = 4
	SYS_OPEN           = 5
	SYS_CLOSE          = 6
	SYS_WAITPID        = 7
	SYS_CREAT          = 8
	SYS_UNLINK         = 10
	SYS_EXECVE         = 11
	SYS_CHDIR          = 12
	SYS_TIME           = 13
	SYS_CHMOD          = 15
	SYS_LCHOWN         = 16
	SYS_LSEEK          = 19
	SYS_GETPID         = 20
	SYS_SETUID         = 23
	SYS_GETUID         = 24
	SYS_ALARM          = 27
	SYS_PAUSE          = 29
	SYS_NICE           = 34
	SYS_KILL           = 37
	SYS_MKDIR          = 39
	SYS_RMDIR          = 40
	SYS_DUP            = 41
	SYS_PIPE           = 42
	SYS_BRK            = 45
	SYS_SETGID         = 46
	SYS_GETGID         = 47
	SYS_SIGNAL         = 48
	SYS_GETEUID        = 49
	SYS_GETEGID        = 50
	SYS_IOCTL          = 54
	SYS_FCNTL          = 55
	SYS_SETPGID        = 57
	SYS_DUP2           = 63
	SYS_GETPPID        = 64
	SYS_SETSID         = 66
	SYS_SIGACTION      = 67
	SYS_SETREUID       = 70
	SYS_SETREGID       = 71
	SYS_SIGPENDING     = 73
	SYS_SYMLINK        = 83
	SYS_READLINK       = 85
	SYS_REBOOT         = 88
	SYS_MMAP           = 90
	SYS_MUNMAP         = 91
	SYS_FCHMOD         = 94
	SYS_FCHOWN         = 95
	SYS_SETITIMER      = 104
	SYS_GETITIMER      = 105
	SYS_STAT           = 106
	SYS_LSTAT          = 107
	SYS_FSTAT          = 108
	SYS_SIGRETURN      = 119
	SYS_UNAME          = 122
	SYS_SIGPROCMASK    = 126
	SYS_GETPGID        = 132
	SYS_FCHDIR         = 133
	SYS_GETDENTS       = 141
	SYS_GETSID         = 147
	SYS_SCHED_SETPARAM = 154
	SYS_SCHED_GETPARAM = 155
	SYS_NANOSLEEP      = 162
	SYS_CHOWN          = 182
	SYS_GETCWD         = 183
	SYS_WAITPERIOD     = 400

	NR_SYSCALLS = 512
)
