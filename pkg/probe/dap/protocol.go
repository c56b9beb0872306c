package dap

import "encoding/binary"

// Command IDs, a subset of the CMSIS-DAP command set.
const (
	cmdInfo           = 0x00
	cmdConnect        = 0x02
	cmdDisconnect     = 0x03
	cmdWriteABORT     = 0x08
	cmdResetTarget    = 0x0A
	cmdTransferConfig = 0x04
	cmdTransfer       = 0x05
	cmdTransferBlock  = 0x06
	cmdSWJClock       = 0x11
)

// Port selectors for DAP_Connect.
const (
	PortDefault = 0
	PortSWD     = 1
	PortJTAG    = 2
)

// Info IDs for DAP_Info.
const (
	InfoVendorID    = 0x01
	InfoProductID   = 0x02
	InfoSerialNum   = 0x03
	InfoFirmwareVer = 0x04
)

// register access requests for DAP_Transfer, AP/DP and read/write bits.
const (
	transferAPnDP   = 1 << 0
	transferRnW     = 1 << 1
	transferAddr2_3 = 0x0c
)

func encodeInfo(id byte) []byte {
	return []byte{cmdInfo, id}
}

func decodeInfoString(resp []byte) string {
	if len(resp) < 2 {
		return ""
	}
	n := int(resp[1])
	if 2+n > len(resp) {
		n = len(resp) - 2
	}
	return string(resp[2 : 2+n])
}

func encodeConnect(port byte) []byte {
	return []byte{cmdConnect, port}
}

func decodeConnect(resp []byte) (byte, error) {
	if len(resp) < 2 {
		return 0, errShortResponse(cmdConnect)
	}
	return resp[1], nil
}

func encodeDisconnect() []byte { return []byte{cmdDisconnect} }

func encodeSWJClock(hz uint32) []byte {
	buf := make([]byte, 5)
	buf[0] = cmdSWJClock
	binary.LittleEndian.PutUint32(buf[1:], hz)
	return buf
}

func decodeStatusOnly(resp []byte, cmd byte) error {
	if len(resp) < 2 || resp[1] != 0 {
		return errShortResponse(cmd)
	}
	return nil
}

func encodeResetTarget() []byte { return []byte{cmdResetTarget} }

// encodeTransferConfigure sets the idle cycle count, wait retry count,
// and match retry count — left at CMSIS-DAP's conservative defaults.
func encodeTransferConfigure() []byte {
	buf := make([]byte, 6)
	buf[0] = cmdTransferConfig
	buf[1] = 0x00       // idle cycles
	binary.LittleEndian.PutUint16(buf[2:], 64) // wait retry
	binary.LittleEndian.PutUint16(buf[4:], 64) // match retry
	return buf
}

// encodeReadRegister builds a single-transfer DAP_Transfer request to
// read a DP or AP register.
func encodeReadRegister(apnDP bool, addr byte) []byte {
	req := byte(transferRnW)
	if apnDP {
		req |= transferAPnDP
	}
	req |= (addr & 0x0c)
	return []byte{cmdTransfer, 0x00, 0x01, req}
}

func decodeReadRegister(resp []byte) (uint32, error) {
	if len(resp) < 7 || resp[1] != 0x01 || resp[2]&0x01 == 0 {
		return 0, errShortResponse(cmdTransfer)
	}
	return binary.LittleEndian.Uint32(resp[3:7]), nil
}

func encodeWriteRegister(apnDP bool, addr byte, value uint32) []byte {
	req := byte(0)
	if apnDP {
		req |= transferAPnDP
	}
	req |= (addr & 0x0c)
	buf := make([]byte, 8)
	buf[0] = cmdTransfer
	buf[1] = 0x00
	buf[2] = 0x01
	buf[3] = req
	binary.LittleEndian.PutUint32(buf[4:], value)
	return buf
}

func decodeWriteRegister(resp []byte) error {
	if len(resp) < 3 || resp[1] != 0x01 || resp[2]&0x01 == 0 {
		return errShortResponse(cmdTransfer)
	}
	return nil
}

// encodeTransferBlock builds a DAP_TransferBlock request reading or
// writing count 32-bit words from/to AP register addr.
func encodeTransferBlock(apnDP bool, addr byte, write bool, words []uint32) []byte {
	req := byte(0)
	if apnDP {
		req |= transferAPnDP
	}
	req |= (addr & 0x0c)
	if !write {
		req |= transferRnW
	}

	count := len(words)
	if write {
		buf := make([]byte, 5+count*4)
		buf[0] = cmdTransferBlock
		buf[1] = 0x00
		binary.LittleEndian.PutUint16(buf[2:], uint16(count))
		buf[4] = req
		for i, w := range words {
			binary.LittleEndian.PutUint32(buf[5+i*4:], w)
		}
		return buf
	}

	buf := make([]byte, 5)
	buf[0] = cmdTransferBlock
	buf[1] = 0x00
	binary.LittleEndian.PutUint16(buf[2:], uint16(count))
	buf[4] = req
	return buf
}

func decodeTransferBlockRead(resp []byte, count int) ([]uint32, error) {
	if len(resp) < 4+count*4 {
		return nil, errShortResponse(cmdTransferBlock)
	}
	out := make([]uint32, count)
	for i := range out {
		out[i] = binary.LittleEndian.Uint32(resp[4+i*4:])
	}
	return out, nil
}
