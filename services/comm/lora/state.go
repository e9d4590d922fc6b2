package lora

// State is where the modem conversation stands. Most states are named after
// the reply they are waiting for.
type State uint8

const (
	Idle State = iota
	Unsolicited
	ResetReq
	GetVerRpl
	LoRaReq
	LoRaWANReq
	SysResetRpl
	HWEUIRpl
	HWEUIDone
	MacPauseRpl
	SetWDTRpl
	SendFQRpl
	MacResumeRpl
	SetDevEUIRpl
	SetAppEUIRpl
	SetAppKeyRpl
	SendFPRpl
	Rejoin1
	Rejoin2
	Rejoin3
	SetADRRpl
	RetryJoin
	JoinRpl
	RestoreStateRpl
	SaveStateRpl
	InitCompleted
	SleepRpl
	TxRpl1
	TxRpl2
	RxRpl
	GetSNRRpl
	RelayWait
	stateCount
)

var stateNames = [stateCount]string{
	"idle", "unsolicited", "reset-req", "getver-rpl", "lora-req", "lorawan-req", "sysreset-rpl",
	"hweui-rpl", "hweui-done", "macpause-rpl", "setwdt-rpl", "sendfq-rpl", "macresume-rpl",
	"setdeveui-rpl", "setappeui-rpl", "setappkey-rpl", "sendfp-rpl", "rejoin1", "rejoin2",
	"rejoin3", "setadr-rpl", "retry-join", "join-rpl", "restorestate-rpl", "savestate-rpl",
	"init-completed", "sleep-rpl", "tx-rpl1", "tx-rpl2", "rx-rpl", "getsnr-rpl", "relay-wait",
}

func (s State) String() string {
	if s < stateCount {
		return stateNames[s]
	}
	return "?"
}

// sleeping states still accept a send, which is deferred until they end.
func (s State) sleeping() bool { return s == RxRpl || s == SleepRpl }
