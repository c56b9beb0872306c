package dap

import "fmt"

func errShortResponse(cmd byte) error {
	return fmt.Errorf("dap: malformed or failed response to command 0x%02x", cmd)
}
