package radio

// SX127x register map (LoRa mode).
const (
	RegFifo               byte = 0x00
	RegOpMode             byte = 0x01
	RegFrfMsb             byte = 0x06
	RegFrfMid             byte = 0x07
	RegFrfLsb             byte = 0x08
	RegPaConfig           byte = 0x09
	RegOcp                byte = 0x0b
	RegLna                byte = 0x0c
	RegFifoAddrPtr        byte = 0x0d
	RegFifoTxBaseAddr     byte = 0x0e
	RegFifoRxBaseAddr     byte = 0x0f
	RegFifoRxCurrentAddr  byte = 0x10
	RegIrqFlags           byte = 0x12
	RegRxNbBytes          byte = 0x13
	RegPktSnrValue        byte = 0x19
	RegPktRssiValue       byte = 0x1a
	RegRssiValue          byte = 0x1b
	RegModemConfig1       byte = 0x1d
	RegModemConfig2       byte = 0x1e
	RegSymbTimeoutLsb     byte = 0x1f
	RegPreambleMsb        byte = 0x20
	RegPreambleLsb        byte = 0x21
	RegPayloadLength      byte = 0x22
	RegModemConfig3       byte = 0x26
	RegDetectionOptimize  byte = 0x31
	RegInvertIQ           byte = 0x33
	RegDetectionThreshold byte = 0x37
	RegSyncWord           byte = 0x39
	RegInvertIQ2          byte = 0x3b
	RegDioMapping1        byte = 0x40
	RegVersion            byte = 0x42
	RegPaDac              byte = 0x4d
)

// RegOpMode values.
const (
	ModeLongRange    byte = 0x80
	ModeSleep        byte = 0x00
	ModeStandby      byte = 0x01
	ModeTx           byte = 0x03
	ModeRxContinuous byte = 0x05
	ModeRxSingle     byte = 0x06
)

const (
	// PA_BOOST output pin selector in RegPaConfig.
	paBoostBit byte = 0x80

	// Silicon revision reported by RegVersion on SX1276/77/78/79.
	chipVersion byte = 0x12

	// RegInvertIQ/RegInvertIQ2 values per Semtech errata.
	invertIQOnRx   byte = 0x66
	invertIQOff    byte = 0x27
	invertIQ2On    byte = 0x19
	invertIQ2Off   byte = 0x1d
	rfCrystalHz         = 32_000_000
	maxPayloadSize      = 255
)
