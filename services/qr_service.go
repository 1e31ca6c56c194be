package services

import (
	"fmt"
	"net/url"

	qrcode "github.com/skip2/go-qrcode"

	"databounty-backend/core/ledger"
)

// QRService renders funding details as scannable QR codes.
type QRService struct {
	size int
}

// NewQRService builds a QR renderer; size is the PNG edge length in pixels.
func NewQRService(size int) *QRService {
	if size <= 0 {
		size = 256
	}
	return &QRService{size: size}
}

// FundingURI encodes where and how much to pay to fund a task.
func (s *QRService) FundingURI(task ledger.Task, fundingAddress string) string {
	v := url.Values{}
	v.Set("amount", fmt.Sprintf("%d", task.TotalFunded))
	v.Set("chain", task.SourceChainID)
	if task.PaymentToken != ledger.NativeToken {
		v.Set("token", task.PaymentToken)
	}
	v.Set("task", task.ID)
	return fmt.Sprintf("databounty:%s?%s", fundingAddress, v.Encode())
}

// FundingPNG renders the funding URI as a PNG QR code.
func (s *QRService) FundingPNG(task ledger.Task, fundingAddress string) ([]byte, error) {
	return qrcode.Encode(s.FundingURI(task, fundingAddress), qrcode.Medium, s.size)
}
