package xerr

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind 错误分类，决定调用方是否重试、是否告警
type Kind uint8

const (
	KindValidation  Kind = iota + 1 // 参数校验失败，无副作用
	KindBusiness                    // 业务规则拒绝，无副作用
	KindAuth                        // 鉴权
	KindConsistency                 // 内存/账本状态不一致，必须告警
	KindTransient                   // 持久化/繁忙，可重试
)

func (k Kind) String() string {
	switch k {
	case KindValidation:
		return "validation"
	case KindBusiness:
		return "business"
	case KindAuth:
		return "auth"
	case KindConsistency:
		return "consistency"
	case KindTransient:
		return "transient"
	default:
		return "unknown"
	}
}

// 对外稳定的错误码
const (
	InvalidApiKey          = -1001
	PermissionDenied       = -1002
	EngineBusy             = -1003
	RequiredParameter      = -1005
	PersistenceFailed      = -1006
	InvalidPair            = -1121
	InvalidAsset           = -1122
	NotFoundOrder          = -2013
	NotFoundMaker          = -2014
	InvalidOrderAmount     = -2015
	NotEnoughBalance       = -2016
	DuplicateClientOrderId = -2017
	LedgerInvariant        = -2018
	MarketHalted           = -2019
)

type CodeError struct {
	Code int    `json:"code"`
	Msg  string `json:"msg"`
	Kind Kind   `json:"-"`
}

func (e *CodeError) Error() string {
	return fmt.Sprintf("ErrCode:%d, Msg:%s", e.Code, e.Msg)
}

// Is 按错误码比较，Wrap 之后 errors.Is(err, ErrNotFoundOrder) 依然成立
func (e *CodeError) Is(target error) bool {
	var t *CodeError
	if !errors.As(target, &t) {
		return false
	}
	return t.Code == e.Code
}

func New(code int, msg string) error {
	return &CodeError{Code: code, Msg: msg, Kind: kindOf(code)}
}

func NewErrCode(code int) error {
	return &CodeError{Code: code, Msg: MapErrMsg(code), Kind: kindOf(code)}
}

// Wrapf 在保留错误码的前提下补充上下文
func Wrapf(code int, format string, args ...any) error {
	return fmt.Errorf("%w: %s", NewErrCode(code), fmt.Sprintf(format, args...))
}

var (
	ErrInvalidApiKey          = NewErrCode(InvalidApiKey)
	ErrPermissionDenied       = NewErrCode(PermissionDenied)
	ErrEngineBusy             = NewErrCode(EngineBusy)
	ErrRequiredParameter      = NewErrCode(RequiredParameter)
	ErrPersistence            = NewErrCode(PersistenceFailed)
	ErrInvalidPair            = NewErrCode(InvalidPair)
	ErrInvalidAsset           = NewErrCode(InvalidAsset)
	ErrNotFoundOrder          = NewErrCode(NotFoundOrder)
	ErrNotFoundMaker          = NewErrCode(NotFoundMaker)
	ErrInvalidOrderAmount     = NewErrCode(InvalidOrderAmount)
	ErrNotEnoughBalance       = NewErrCode(NotEnoughBalance)
	ErrDuplicateClientOrderId = NewErrCode(DuplicateClientOrderId)
	ErrLedgerInvariant        = NewErrCode(LedgerInvariant)
	ErrMarketHalted           = NewErrCode(MarketHalted)
)

func MapErrMsg(code int) string {
	switch code {
	case InvalidApiKey:
		return "Invalid API Key"
	case PermissionDenied:
		return "Permission denied"
	case EngineBusy:
		return "Engine busy"
	case RequiredParameter:
		return "Required parameter"
	case PersistenceFailed:
		return "Persistence failed"
	case InvalidPair:
		return "Invalid pair"
	case InvalidAsset:
		return "Invalid asset"
	case NotFoundOrder:
		return "Not found order"
	case NotFoundMaker:
		return "Not found maker"
	case InvalidOrderAmount:
		return "Order amount cannot be less than zero"
	case NotEnoughBalance:
		return "Not enough balance"
	case DuplicateClientOrderId:
		return "The clOrdId is already in use"
	case LedgerInvariant:
		return "Ledger invariant violated"
	case MarketHalted:
		return "Market halted"
	default:
		return "Unknown error"
	}
}

func kindOf(code int) Kind {
	switch code {
	case InvalidApiKey, PermissionDenied:
		return KindAuth
	case RequiredParameter, InvalidPair, InvalidAsset, InvalidOrderAmount:
		return KindValidation
	case NotFoundOrder, NotEnoughBalance, DuplicateClientOrderId:
		return KindBusiness
	case NotFoundMaker, LedgerInvariant, MarketHalted:
		return KindConsistency
	case EngineBusy, PersistenceFailed:
		return KindTransient
	default:
		return KindBusiness
	}
}

// KindOf 取链路上第一个 CodeError 的分类；非 CodeError 视为 Transient
func KindOf(err error) Kind {
	if err == nil {
		return 0
	}
	var ce *CodeError
	if errors.As(err, &ce) {
		return ce.Kind
	}
	return KindTransient
}

func CodeOf(err error) int {
	var ce *CodeError
	if errors.As(err, &ce) {
		return ce.Code
	}
	return 0
}

func IsRetryable(err error) bool { return err != nil && KindOf(err) == KindTransient }

func IsFatal(err error) bool { return err != nil && KindOf(err) == KindConsistency }

// HTTPStatus 传输层映射：鉴权 401，一致性 500，临时 503，其余 400
func HTTPStatus(err error) int {
	switch KindOf(err) {
	case 0:
		return http.StatusOK
	case KindAuth:
		return http.StatusUnauthorized
	case KindConsistency:
		return http.StatusInternalServerError
	case KindTransient:
		return http.StatusServiceUnavailable
	default:
		return http.StatusBadRequest
	}
}
