package payment

import (
	"encoding/json"
	"fmt"
	"strings"

	xerrors "AgentPay-Chain/internal/errors"
	"AgentPay-Chain/internal/money"
)

// SettlementTask 是入账核验队列的线缆格式。结算 worker 在为商户
// 记账之前消费它并交给双花校验。所有字段必填，畸形任务在入队前
// 就被拒绝。
type SettlementTask struct {
	PaymentID  string `json:"paymentId"`
	OrderID    string `json:"orderId"`
	TxHash     string `json:"txHash"`
	Amount     string `json:"amount"`
	Token      string `json:"token"`
	Network    string `json:"network"`
	MerchantID string `json:"merchantId"`
}

// Validate 检查线缆字段的完整性与金额格式。
func (t *SettlementTask) Validate() error {
	if t == nil {
		return xerrors.New(CodePaymentValidation, "结算任务不能为空")
	}
	var missing []string
	for _, field := range []struct {
		name  string
		value string
	}{
		{"paymentId", t.PaymentID},
		{"orderId", t.OrderID},
		{"txHash", t.TxHash},
		{"amount", t.Amount},
		{"token", t.Token},
		{"network", t.Network},
		{"merchantId", t.MerchantID},
	} {
		if strings.TrimSpace(field.value) == "" {
			missing = append(missing, field.name)
		}
	}
	if len(missing) > 0 {
		return xerrors.New(CodePaymentValidation,
			fmt.Sprintf("结算任务缺少必填字段: %s", strings.Join(missing, ", ")))
	}
	if _, err := money.ParsePositive(t.Amount); err != nil {
		return xerrors.Wrap(CodePaymentValidation, err, "结算任务金额非法")
	}
	return nil
}

// Encode 序列化为队列载荷。
func (t *SettlementTask) Encode() ([]byte, error) {
	if err := t.Validate(); err != nil {
		return nil, err
	}
	payload, err := json.Marshal(t)
	if err != nil {
		return nil, xerrors.Wrap(CodePaymentValidation, err, "编码结算任务失败")
	}
	return payload, nil
}

// DecodeSettlementTask 反序列化并校验队列载荷。
func DecodeSettlementTask(payload []byte) (*SettlementTask, error) {
	var t SettlementTask
	if err := json.Unmarshal(payload, &t); err != nil {
		return nil, xerrors.Wrap(CodePaymentValidation, err, "解析结算任务失败")
	}
	if err := t.Validate(); err != nil {
		return nil, err
	}
	return &t, nil
}
