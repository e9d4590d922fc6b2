package cell

// State is the AT command whose reply the modem conversation waits for.
type State uint8

const (
	Idle State = iota
	ResetReq
	CGFuncRpl1
	CResetRpl
	StartRpl
	EchoRpl
	CGFuncRpl2
	IFCRpl
	NoLEDRpl1
	NoLEDRpl2
	CPSIRpl
	CPSI0Rpl
	ATIRpl
	CICCIDRpl
	CGSockContRpl
	CSockSetPNRpl
	CIPModeRpl
	CIPTimeoutRpl
	NetOpenRpl
	CDNSGIPRpl
	CDNSGIPRpl2
	CIPHeadRpl
	CIPSRIPRpl
	CIPRxGetRpl
	CIPOpenRpl
	InitCompleted
	CIPOpenRpl2
	CIPSendRpl
	CIPCloseRpl
	CIPRxGetRpl2
	MiscRpl
	stateCount
)

var stateNames = [stateCount]string{
	"idle", "reset-req", "cgfunc-rpl1", "creset-rpl", "start-rpl", "echo-rpl", "cgfunc-rpl2",
	"ifc-rpl", "noled-rpl1", "noled-rpl2", "cpsi-rpl", "cpsi0-rpl", "ati-rpl", "ciccid-rpl",
	"cgsockcont-rpl", "csocksetpn-rpl", "cipmode-rpl", "ciptimeout-rpl", "netopen-rpl",
	"cdnsgip-rpl", "cdnsgip-rpl2", "ciphead-rpl", "cipsrip-rpl", "ciprxget-rpl", "cipopen-rpl",
	"init-completed", "cipopen-rpl2", "cipsend-rpl", "cipclose-rpl", "ciprxget-rpl2", "misc-rpl",
}

func (s State) String() string {
	if s < stateCount {
		return stateNames[s]
	}
	return "?"
}
