//go:build !linux

package driver

import (
	"errors"

	"github.com/sirupsen/logrus"
)

type Kernel struct{ Driver }

func NewKernel(*logrus.Logger) (*Kernel, error) {
	return nil, errors.New("the netlink driver is only available on linux")
}
