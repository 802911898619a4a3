package gearman

import "strconv"

// PacketType is the command code carried in a binary packet header. The
// numbering is fixed by the Gearman protocol; only the client-relevant
// subset is ever sent by this library, but every code a server may emit is
// named so decode errors stay readable.
type PacketType uint32

const (
	CanDo           PacketType = 1
	CantDo          PacketType = 2
	ResetAbilities  PacketType = 3
	PreSleep        PacketType = 4
	Noop            PacketType = 6
	SubmitJob       PacketType = 7
	JobCreated      PacketType = 8
	GrabJob         PacketType = 9
	NoJob           PacketType = 10
	JobAssign       PacketType = 11
	WorkStatus      PacketType = 12
	WorkComplete    PacketType = 13
	WorkFail        PacketType = 14
	GetStatus       PacketType = 15
	EchoReq         PacketType = 16
	EchoRes         PacketType = 17
	SubmitJobBg     PacketType = 18
	Error           PacketType = 19
	StatusRes       PacketType = 20
	SubmitJobHigh   PacketType = 21
	SetClientID     PacketType = 22
	CanDoTimeout    PacketType = 23
	AllYours        PacketType = 24
	WorkException   PacketType = 25
	OptionReq       PacketType = 26
	OptionRes       PacketType = 27
	WorkData        PacketType = 28
	WorkWarning     PacketType = 29
	GrabJobUniq     PacketType = 30
	JobAssignUniq   PacketType = 31
	SubmitJobHighBg PacketType = 32
	SubmitJobLow    PacketType = 33
	SubmitJobLowBg  PacketType = 34
)

var packetTypeNames = map[PacketType]string{
	CanDo:           "CAN_DO",
	CantDo:          "CANT_DO",
	ResetAbilities:  "RESET_ABILITIES",
	PreSleep:        "PRE_SLEEP",
	Noop:            "NOOP",
	SubmitJob:       "SUBMIT_JOB",
	JobCreated:      "JOB_CREATED",
	GrabJob:         "GRAB_JOB",
	NoJob:           "NO_JOB",
	JobAssign:       "JOB_ASSIGN",
	WorkStatus:      "WORK_STATUS",
	WorkComplete:    "WORK_COMPLETE",
	WorkFail:        "WORK_FAIL",
	GetStatus:       "GET_STATUS",
	EchoReq:         "ECHO_REQ",
	EchoRes:         "ECHO_RES",
	SubmitJobBg:     "SUBMIT_JOB_BG",
	Error:           "ERROR",
	StatusRes:       "STATUS_RES",
	SubmitJobHigh:   "SUBMIT_JOB_HIGH",
	SetClientID:     "SET_CLIENT_ID",
	CanDoTimeout:    "CAN_DO_TIMEOUT",
	AllYours:        "ALL_YOURS",
	WorkException:   "WORK_EXCEPTION",
	OptionReq:       "OPTION_REQ",
	OptionRes:       "OPTION_RES",
	WorkData:        "WORK_DATA",
	WorkWarning:     "WORK_WARNING",
	GrabJobUniq:     "GRAB_JOB_UNIQ",
	JobAssignUniq:   "JOB_ASSIGN_UNIQ",
	SubmitJobHighBg: "SUBMIT_JOB_HIGH_BG",
	SubmitJobLow:    "SUBMIT_JOB_LOW",
	SubmitJobLowBg:  "SUBMIT_JOB_LOW_BG",
}

func (pt PacketType) String() string {
	if name, ok := packetTypeNames[pt]; ok {
		return name
	}
	return "UNKNOWN(" + strconv.FormatUint(uint64(pt), 10) + ")"
}

// Priority selects which SUBMIT_JOB variant carries a job.
type Priority int

const (
	PriorityNormal Priority = iota
	PriorityHigh
	PriorityLow
)

// submitType maps a priority and the background flag onto the wire command.
func submitType(prio Priority, background bool) PacketType {
	switch prio {
	case PriorityHigh:
		if background {
			return SubmitJobHighBg
		}
		return SubmitJobHigh
	case PriorityLow:
		if background {
			return SubmitJobLowBg
		}
		return SubmitJobLow
	default:
		if background {
			return SubmitJobBg
		}
		return SubmitJob
	}
}
