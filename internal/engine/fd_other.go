//go:build !unix

package engine

import "errors"

func closeDescriptor(fd int) error {
	return errors.ErrUnsupported
}
