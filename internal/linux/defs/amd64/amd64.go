// Code generated from the Linux syscall ABI for this architecture; numbers
// match the upstream kernel's syscall table so a guest built against glibc or
// musl issuing the real instruction sees the real number.
package amd64

import "github.com/hexagonal-sun/moss-kernel/internal/linux/defs"

var SyscallMap = map[defs.Syscall]uint32{
	defs.SYS_READ: 0,
	defs.SYS_WRITE: 1,
	defs.SYS_CLOSE: 3,
	defs.SYS_FSTAT: 5,
	defs.SYS_LSEEK: 8,
	defs.SYS_MMAP: 9,
	defs.SYS_MPROTECT: 10,
	defs.SYS_MUNMAP: 11,
	defs.SYS_BRK: 12,
	defs.SYS_RT_SIGACTION: 13,
	defs.SYS_RT_SIGPROCMASK: 14,
	defs.SYS_RT_SIGRETURN: 15,
	defs.SYS_IOCTL: 16,
	defs.SYS_PREAD64: 17,
	defs.SYS_PWRITE64: 18,
	defs.SYS_READV: 19,
	defs.SYS_WRITEV: 20,
	defs.SYS_SCHED_YIELD: 24,
	defs.SYS_MREMAP: 25,
	defs.SYS_MSYNC: 26,
	defs.SYS_MINCORE: 27,
	defs.SYS_MADVISE: 28,
	defs.SYS_SHMGET: 29,
	defs.SYS_SHMAT: 30,
	defs.SYS_SHMCTL: 31,
	defs.SYS_DUP: 32,
	defs.SYS_NANOSLEEP: 35,
	defs.SYS_GETITIMER: 36,
	defs.SYS_SETITIMER: 38,
	defs.SYS_GETPID: 39,
	defs.SYS_SENDFILE: 40,
	defs.SYS_SOCKET: 41,
	defs.SYS_CONNECT: 42,
	defs.SYS_ACCEPT: 43,
	defs.SYS_SENDTO: 44,
	defs.SYS_RECVFROM: 45,
	defs.SYS_SENDMSG: 46,
	defs.SYS_RECVMSG: 47,
	defs.SYS_SHUTDOWN: 48,
	defs.SYS_BIND: 49,
	defs.SYS_LISTEN: 50,
	defs.SYS_GETSOCKNAME: 51,
	defs.SYS_GETPEERNAME: 52,
	defs.SYS_SOCKETPAIR: 53,
	defs.SYS_SETSOCKOPT: 54,
	defs.SYS_GETSOCKOPT: 55,
	defs.SYS_CLONE: 56,
	defs.SYS_EXECVE: 59,
	defs.SYS_EXIT: 60,
	defs.SYS_WAIT4: 61,
	defs.SYS_KILL: 62,
	defs.SYS_UNAME: 63,
	defs.SYS_SEMGET: 64,
	defs.SYS_SEMOP: 65,
	defs.SYS_SEMCTL: 66,
	defs.SYS_SHMDT: 67,
	defs.SYS_MSGGET: 68,
	defs.SYS_MSGSND: 69,
	defs.SYS_MSGRCV: 70,
	defs.SYS_MSGCTL: 71,
	defs.SYS_FCNTL: 72,
	defs.SYS_FLOCK: 73,
	defs.SYS_FSYNC: 74,
	defs.SYS_FDATASYNC: 75,
	defs.SYS_TRUNCATE: 76,
	defs.SYS_FTRUNCATE: 77,
	defs.SYS_GETCWD: 79,
	defs.SYS_CHDIR: 80,
	defs.SYS_FCHDIR: 81,
	defs.SYS_FCHMOD: 91,
	defs.SYS_FCHOWN: 93,
	defs.SYS_UMASK: 95,
	defs.SYS_GETTIMEOFDAY: 96,
	defs.SYS_GETRLIMIT: 97,
	defs.SYS_GETRUSAGE: 98,
	defs.SYS_SYSINFO: 99,
	defs.SYS_TIMES: 100,
	defs.SYS_PTRACE: 101,
	defs.SYS_GETUID: 102,
	defs.SYS_SYSLOG: 103,
	defs.SYS_GETGID: 104,
	defs.SYS_SETUID: 105,
	defs.SYS_SETGID: 106,
	defs.SYS_GETEUID: 107,
	defs.SYS_GETEGID: 108,
	defs.SYS_SETPGID: 109,
	defs.SYS_GETPPID: 110,
	defs.SYS_SETSID: 112,
	defs.SYS_SETREUID: 113,
	defs.SYS_SETREGID: 114,
	defs.SYS_GETGROUPS: 115,
	defs.SYS_SETGROUPS: 116,
	defs.SYS_SETRESUID: 117,
	defs.SYS_GETRESUID: 118,
	defs.SYS_SETRESGID: 119,
	defs.SYS_GETRESGID: 120,
	defs.SYS_GETPGID: 121,
	defs.SYS_SETFSUID: 122,
	defs.SYS_SETFSGID: 123,
	defs.SYS_GETSID: 124,
	defs.SYS_CAPGET: 125,
	defs.SYS_CAPSET: 126,
	defs.SYS_RT_SIGPENDING: 127,
	defs.SYS_RT_SIGTIMEDWAIT: 128,
	defs.SYS_RT_SIGQUEUEINFO: 129,
	defs.SYS_RT_SIGSUSPEND: 130,
	defs.SYS_SIGALTSTACK: 131,
	defs.SYS_PERSONALITY: 135,
	defs.SYS_STATFS: 137,
	defs.SYS_FSTATFS: 138,
	defs.SYS_GETPRIORITY: 140,
	defs.SYS_SETPRIORITY: 141,
	defs.SYS_SCHED_SETPARAM: 142,
	defs.SYS_SCHED_GETPARAM: 143,
	defs.SYS_SCHED_SETSCHEDULER: 144,
	defs.SYS_SCHED_GETSCHEDULER: 145,
	defs.SYS_SCHED_GET_PRIORITY_MAX: 146,
	defs.SYS_SCHED_GET_PRIORITY_MIN: 147,
	defs.SYS_SCHED_RR_GET_INTERVAL: 148,
	defs.SYS_MLOCK: 149,
	defs.SYS_MUNLOCK: 150,
	defs.SYS_MLOCKALL: 151,
	defs.SYS_MUNLOCKALL: 152,
	defs.SYS_VHANGUP: 153,
	defs.SYS_PIVOT_ROOT: 155,
	defs.SYS_PRCTL: 157,
	defs.SYS_ADJTIMEX: 159,
	defs.SYS_SETRLIMIT: 160,
	defs.SYS_CHROOT: 161,
	defs.SYS_SYNC: 162,
	defs.SYS_ACCT: 163,
	defs.SYS_SETTIMEOFDAY: 164,
	defs.SYS_MOUNT: 165,
	defs.SYS_UMOUNT2: 166,
	defs.SYS_SWAPON: 167,
	defs.SYS_SWAPOFF: 168,
	defs.SYS_REBOOT: 169,
	defs.SYS_SETHOSTNAME: 170,
	defs.SYS_SETDOMAINNAME: 171,
	defs.SYS_INIT_MODULE: 175,
	defs.SYS_DELETE_MODULE: 176,
	defs.SYS_QUOTACTL: 179,
	defs.SYS_NFSSERVCTL: 180,
	defs.SYS_GETTID: 186,
	defs.SYS_READAHEAD: 187,
	defs.SYS_SETXATTR: 188,
	defs.SYS_LSETXATTR: 189,
	defs.SYS_FSETXATTR: 190,
	defs.SYS_GETXATTR: 191,
	defs.SYS_LGETXATTR: 192,
	defs.SYS_FGETXATTR: 193,
	defs.SYS_LISTXATTR: 194,
	defs.SYS_LLISTXATTR: 195,
	defs.SYS_FLISTXATTR: 196,
	defs.SYS_REMOVEXATTR: 197,
	defs.SYS_LREMOVEXATTR: 198,
	defs.SYS_FREMOVEXATTR: 199,
	defs.SYS_TKILL: 200,
	defs.SYS_FUTEX: 202,
	defs.SYS_SCHED_SETAFFINITY: 203,
	defs.SYS_SCHED_GETAFFINITY: 204,
	defs.SYS_IO_SETUP: 206,
	defs.SYS_IO_DESTROY: 207,
	defs.SYS_IO_GETEVENTS: 208,
	defs.SYS_IO_SUBMIT: 209,
	defs.SYS_IO_CANCEL: 210,
	defs.SYS_LOOKUP_DCOOKIE: 212,
	defs.SYS_REMAP_FILE_PAGES: 216,
	defs.SYS_GETDENTS64: 217,
	defs.SYS_SET_TID_ADDRESS: 218,
	defs.SYS_RESTART_SYSCALL: 219,
	defs.SYS_SEMTIMEDOP: 220,
	defs.SYS_FADVISE64: 221,
	defs.SYS_TIMER_CREATE: 222,
	defs.SYS_TIMER_SETTIME: 223,
	defs.SYS_TIMER_GETTIME: 224,
	defs.SYS_TIMER_GETOVERRUN: 225,
	defs.SYS_TIMER_DELETE: 226,
	defs.SYS_CLOCK_SETTIME: 227,
	defs.SYS_CLOCK_GETTIME: 228,
	defs.SYS_CLOCK_GETRES: 229,
	defs.SYS_CLOCK_NANOSLEEP: 230,
	defs.SYS_EXIT_GROUP: 231,
	defs.SYS_EPOLL_CTL: 233,
	defs.SYS_TGKILL: 234,
	defs.SYS_MBIND: 237,
	defs.SYS_SET_MEMPOLICY: 238,
	defs.SYS_GET_MEMPOLICY: 239,
	defs.SYS_MQ_OPEN: 240,
	defs.SYS_MQ_UNLINK: 241,
	defs.SYS_MQ_TIMEDSEND: 242,
	defs.SYS_MQ_TIMEDRECEIVE: 243,
	defs.SYS_MQ_NOTIFY: 244,
	defs.SYS_MQ_GETSETATTR: 245,
	defs.SYS_KEXEC_LOAD: 246,
	defs.SYS_WAITID: 247,
	defs.SYS_ADD_KEY: 248,
	defs.SYS_REQUEST_KEY: 249,
	defs.SYS_KEYCTL: 250,
	defs.SYS_IOPRIO_SET: 251,
	defs.SYS_IOPRIO_GET: 252,
	defs.SYS_INOTIFY_ADD_WATCH: 254,
	defs.SYS_INOTIFY_RM_WATCH: 255,
	defs.SYS_MIGRATE_PAGES: 256,
	defs.SYS_OPENAT: 257,
	defs.SYS_MKDIRAT: 258,
	defs.SYS_MKNODAT: 259,
	defs.SYS_FCHOWNAT: 260,
	defs.SYS_NEWFSTATAT: 262,
	defs.SYS_UNLINKAT: 263,
	defs.SYS_RENAMEAT: 264,
	defs.SYS_LINKAT: 265,
	defs.SYS_SYMLINKAT: 266,
	defs.SYS_READLINKAT: 267,
	defs.SYS_FCHMODAT: 268,
	defs.SYS_FACCESSAT: 269,
	defs.SYS_PSELECT6: 270,
	defs.SYS_PPOLL: 271,
	defs.SYS_UNSHARE: 272,
	defs.SYS_SET_ROBUST_LIST: 273,
	defs.SYS_GET_ROBUST_LIST: 274,
	defs.SYS_SPLICE: 275,
	defs.SYS_TEE: 276,
	defs.SYS_SYNC_FILE_RANGE: 277,
	defs.SYS_VMSPLICE: 278,
	defs.SYS_MOVE_PAGES: 279,
	defs.SYS_UTIMENSAT: 280,
	defs.SYS_EPOLL_PWAIT: 281,
	defs.SYS_TIMERFD_CREATE: 283,
	defs.SYS_FALLOCATE: 285,
	defs.SYS_TIMERFD_SETTIME: 286,
	defs.SYS_TIMERFD_GETTIME: 287,
	defs.SYS_ACCEPT4: 288,
	defs.SYS_SIGNALFD4: 289,
	defs.SYS_EVENTFD2: 290,
	defs.SYS_EPOLL_CREATE1: 291,
	defs.SYS_DUP3: 292,
	defs.SYS_PIPE2: 293,
	defs.SYS_INOTIFY_INIT1: 294,
	defs.SYS_PREADV: 295,
	defs.SYS_PWRITEV: 296,
	defs.SYS_RT_TGSIGQUEUEINFO: 297,
	defs.SYS_PERF_EVENT_OPEN: 298,
	defs.SYS_RECVMMSG: 299,
	defs.SYS_FANOTIFY_INIT: 300,
	defs.SYS_FANOTIFY_MARK: 301,
	defs.SYS_PRLIMIT64: 302,
	defs.SYS_NAME_TO_HANDLE_AT: 303,
	defs.SYS_OPEN_BY_HANDLE_AT: 304,
	defs.SYS_CLOCK_ADJTIME: 305,
	defs.SYS_SYNCFS: 306,
	defs.SYS_SENDMMSG: 307,
	defs.SYS_SETNS: 308,
	defs.SYS_GETCPU: 309,
	defs.SYS_PROCESS_VM_READV: 310,
	defs.SYS_PROCESS_VM_WRITEV: 311,
	defs.SYS_KCMP: 312,
	defs.SYS_FINIT_MODULE: 313,
	defs.SYS_SCHED_SETATTR: 314,
	defs.SYS_SCHED_GETATTR: 315,
	defs.SYS_RENAMEAT2: 316,
	defs.SYS_SECCOMP: 317,
	defs.SYS_GETRANDOM: 318,
	defs.SYS_MEMFD_CREATE: 319,
	defs.SYS_KEXEC_FILE_LOAD: 320,
	defs.SYS_BPF: 321,
	defs.SYS_EXECVEAT: 322,
	defs.SYS_USERFAULTFD: 323,
	defs.SYS_MEMBARRIER: 324,
	defs.SYS_MLOCK2: 325,
	defs.SYS_COPY_FILE_RANGE: 326,
	defs.SYS_PREADV2: 327,
	defs.SYS_PWRITEV2: 328,
	defs.SYS_PKEY_MPROTECT: 329,
	defs.SYS_PKEY_ALLOC: 330,
	defs.SYS_PKEY_FREE: 331,
	defs.SYS_STATX: 332,
	defs.SYS_IO_PGETEVENTS: 333,
	defs.SYS_RSEQ: 334,
	defs.SYS_PIDFD_SEND_SIGNAL: 424,
	defs.SYS_IO_URING_SETUP: 425,
	defs.SYS_IO_URING_ENTER: 426,
	defs.SYS_IO_URING_REGISTER: 427,
	defs.SYS_OPEN_TREE: 428,
	defs.SYS_MOVE_MOUNT: 429,
	defs.SYS_FSOPEN: 430,
	defs.SYS_FSCONFIG: 431,
	defs.SYS_FSMOUNT: 432,
	defs.SYS_FSPICK: 433,
	defs.SYS_PIDFD_OPEN: 434,
	defs.SYS_CLONE3: 435,
	defs.SYS_CLOSE_RANGE: 436,
	defs.SYS_OPENAT2: 437,
	defs.SYS_PIDFD_GETFD: 438,
	defs.SYS_FACCESSAT2: 439,
	defs.SYS_PROCESS_MADVISE: 440,
	defs.SYS_EPOLL_PWAIT2: 441,
	defs.SYS_MOUNT_SETATTR: 442,
	defs.SYS_QUOTACTL_FD: 443,
	defs.SYS_LANDLOCK_CREATE_RULESET: 444,
	defs.SYS_LANDLOCK_ADD_RULE: 445,
	defs.SYS_LANDLOCK_RESTRICT_SELF: 446,
	defs.SYS_MEMFD_SECRET: 447,
	defs.SYS_PROCESS_MRELEASE: 448,
	defs.SYS_FUTEX_WAITV: 449,
	defs.SYS_SET_MEMPOLICY_HOME_NODE: 450,
	defs.SYS_CACHESTAT: 451,
	defs.SYS_FCHMODAT2: 452,
	defs.SYS_MAP_SHADOW_STACK: 453,
	defs.SYS_FUTEX_WAKE: 454,
	defs.SYS_FUTEX_WAIT: 455,
	defs.SYS_FUTEX_REQUEUE: 456,
	defs.SYS_STATMOUNT: 457,
	defs.SYS_LISTMOUNT: 458,
	defs.SYS_LSM_GET_SELF_ATTR: 459,
	defs.SYS_LSM_SET_SELF_ATTR: 460,
	defs.SYS_LSM_LIST_MODULES: 461,
	defs.SYS_MSEAL: 462,
	defs.SYS_SETXATTRAT: 463,
	defs.SYS_GETXATTRAT: 464,
	defs.SYS_LISTXATTRAT: 465,
	defs.SYS_REMOVEXATTRAT: 466,
	defs.SYS_OPEN_TREE_ATTR: 467,
}
