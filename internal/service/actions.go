package service

import (
	"github.com/librescoot/bms-service/internal/bms"
	"github.com/librescoot/bms-service/internal/fsm"
	"github.com/librescoot/librefsm"
)

// Mode returns the mode granted by the arbiter. It is read by the BMS machine
// every tick.
func (s *Service) Mode() bms.Mode {
	return bms.Mode(s.mode.Load())
}

func (s *Service) setMode(mode bms.Mode, request string) error {
	prev := bms.Mode(s.mode.Swap(int32(mode)))
	if prev != mode {
		s.logger.Printf("Mode %s -> %s", prev, mode)
	}
	s.request.Store(request)
	return s.PublishRequest(request)
}

func (s *Service) EnterStandby(c *librefsm.Context) error {
	return s.setMode(bms.ModeStandby, fsm.RequestStandby)
}

func (s *Service) EnterNormal(c *librefsm.Context) error {
	return s.setMode(bms.ModeNormal, fsm.RequestNormal)
}

func (s *Service) EnterCharge(c *librefsm.Context) error {
	return s.setMode(bms.ModeCharge, fsm.RequestCharge)
}

// CanConnect refuses normal and charge while every string is deactivated
func (s *Service) CanConnect(c *librefsm.Context) bool {
	if s.allDeactivated.Load() {
		s.logger.Printf("Rejecting connect request, all strings deactivated")
		return false
	}
	return true
}

func (s *Service) OnRequestTimeout(c *librefsm.Context) error {
	s.logger.Printf("Mode request not renewed, falling back to standby")
	return nil
}

func (s *Service) PublishRequest(request string) error {
	if s.publisher == nil {
		return nil
	}
	if err := s.publisher.PublishRequest(request); err != nil {
		s.logger.Printf("Failed to publish mode request: %v", err)
		return err
	}
	return nil
}
