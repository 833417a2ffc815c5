package service

import (
	"fmt"

	"github.com/classdues/internal/constants"

	"github.com/bwmarrin/snowflake"
)

// ReferenceGenerator 线下付款参考号生成器
type ReferenceGenerator struct {
	node *snowflake.Node
}

// NewReferenceGenerator 创建参考号生成器
func NewReferenceGenerator(nodeID int64) (*ReferenceGenerator, error) {
	node, err := snowflake.NewNode(nodeID)
	if err != nil {
		return nil, fmt.Errorf("snowflake node %d: %w", nodeID, err)
	}
	return &ReferenceGenerator{node: node}, nil
}

// Next 按支付方式生成参考号，收银台方式不需要参考号
func (g *ReferenceGenerator) Next(method string) string {
	var prefix string
	switch method {
	case constants.PaymentMethodBankTransfer:
		prefix = constants.ReferencePrefixBankTransfer
	case constants.PaymentMethodWalletA:
		prefix = constants.ReferencePrefixWalletA
	case constants.PaymentMethodWalletB:
		prefix = constants.ReferencePrefixWalletB
	default:
		return ""
	}
	return prefix + g.node.Generate().String()
}
