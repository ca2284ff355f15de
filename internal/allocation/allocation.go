// Package allocation computes multi-party fee splits for a settlement.
//
// Allocate is a pure function: no state, no clock, no I/O. Binding the
// resulting buckets to concrete payee accounts is the settlement ledger's
// job. All math is integer fixed-point with floor division; every unit of
// rounding dust lands in the platform's net bucket so the outputs always
// sum back to the input total exactly.
package allocation

import (
	"errors"
	"fmt"
	"math/big"

	"github.com/avernet/paylane/internal/money"
)

// ErrAllocationMismatch indicates the computed buckets do not sum back to
// the input total. This cannot happen unless the split logic itself is
// broken, so callers should treat it as fatal.
var ErrAllocationMismatch = errors.New("allocation: outputs do not sum to total")

// ProductType classifies what kind of product a payment bought. The fee
// table is keyed by it.
type ProductType string

const (
	ProductInfra     ProductType = "INFRA"
	ProductResource  ProductType = "RESOURCE"
	ProductLogic     ProductType = "LOGIC"
	ProductComposite ProductType = "COMPOSITE"
)

// Valid reports whether p is a known product type.
func (p ProductType) Valid() bool {
	switch p {
	case ProductInfra, ProductResource, ProductLogic, ProductComposite:
		return true
	}
	return false
}

// Roles identifies which agent roles participated in the order. Any
// subset may be present, including none.
type Roles struct {
	ExecutionAgent      bool
	RecommendationAgent bool
	ReferralAgent       bool
}

// Rates holds the basis-point rates applied to this allocation. The
// caller resolves them from configuration before calling Allocate.
type Rates struct {
	ChannelBps      int64
	PlatformBaseBps int64
	PoolBps         int64
}

const (
	// executorPoolShare is the executor's cut of the pool fee, in percent.
	executorPoolShare = 70

	// promoterBaseShare is the recommendation agent's cut of the platform
	// base fee, in percent.
	promoterBaseShare = 20
)

// Plan is the flat result of an allocation. Fee buckets (ChannelFee,
// PlatformBaseFee, PoolFee) record the headline amounts; the per-role
// fields record where those buckets actually went. Conservation holds
// over the per-role fields:
//
//	ChannelFee + MerchantAmount + ExecutorAmount +
//	RecommendationAmount + ReferralAmount + PlatformNet == Total
type Plan struct {
	Total       *big.Int
	ProductType ProductType

	ChannelFee      *big.Int
	PlatformBaseFee *big.Int
	PoolFee         *big.Int
	MerchantAmount  *big.Int

	ExecutorAmount       *big.Int
	RecommendationAmount *big.Int
	ReferralAmount       *big.Int

	// PlatformNet is the platform's own take: the base-fee remainder,
	// any undistributed pool share, and all rounding dust.
	PlatformNet *big.Int
}

// Allocate splits total between the merchant, the participating agent
// roles, and the platform.
//
// The split runs in a fixed order: channel fee off the top, then the
// product-type base and pool fees off the remainder, then the pool is
// divided 70% to the execution agent and 30% to the recommendation agent
// (falling back to the referral agent, then to the platform), and finally
// the recommendation agent takes a 20% promoter share of the base fee.
// A share whose role is absent is platform revenue, never dropped.
func Allocate(total *big.Int, productType ProductType, roles Roles, rates Rates) (*Plan, error) {
	if !money.IsPositive(total) {
		return nil, errors.New("allocation: total must be positive")
	}
	if !productType.Valid() {
		return nil, fmt.Errorf("allocation: unknown product type %q", productType)
	}
	if rates.ChannelBps < 0 || rates.PlatformBaseBps < 0 || rates.PoolBps < 0 {
		return nil, errors.New("allocation: rates must be non-negative")
	}
	if rates.ChannelBps+rates.PlatformBaseBps+rates.PoolBps >= money.BpsDenominator {
		return nil, errors.New("allocation: rates sum to 100% or more")
	}

	channelFee := money.MulBps(total, rates.ChannelBps)
	net := new(big.Int).Sub(total, channelFee)

	baseFee := money.MulBps(net, rates.PlatformBaseBps)
	poolFee := money.MulBps(net, rates.PoolBps)
	merchant := new(big.Int).Sub(net, money.Sum(baseFee, poolFee))

	platformNet := big.NewInt(0)

	// Pool split: executor 70%, partner 30%, both floored independently.
	// The division dust goes to the platform, never to an agent. Absent
	// roles fall through to the platform.
	executor := big.NewInt(0)
	recommendation := big.NewInt(0)
	referral := big.NewInt(0)

	executorShare := money.Share(poolFee, executorPoolShare, 100)
	partnerShare := money.Share(poolFee, 100-executorPoolShare, 100)
	poolDust := new(big.Int).Sub(poolFee, money.Sum(executorShare, partnerShare))
	platformNet.Add(platformNet, poolDust)

	if roles.ExecutionAgent {
		executor = executorShare
	} else {
		platformNet.Add(platformNet, executorShare)
	}
	switch {
	case roles.RecommendationAgent:
		recommendation.Add(recommendation, partnerShare)
	case roles.ReferralAgent:
		referral = partnerShare
	default:
		platformNet.Add(platformNet, partnerShare)
	}

	// Base-fee split: 20% promoter share when a recommendation agent is
	// present, the rest is the platform's.
	if roles.RecommendationAgent {
		promoter := money.Share(baseFee, promoterBaseShare, 100)
		recommendation.Add(recommendation, promoter)
		platformNet.Add(platformNet, new(big.Int).Sub(baseFee, promoter))
	} else {
		platformNet.Add(platformNet, baseFee)
	}

	plan := &Plan{
		Total:                new(big.Int).Set(total),
		ProductType:          productType,
		ChannelFee:           channelFee,
		PlatformBaseFee:      baseFee,
		PoolFee:              poolFee,
		MerchantAmount:       merchant,
		ExecutorAmount:       executor,
		RecommendationAmount: recommendation,
		ReferralAmount:       referral,
		PlatformNet:          platformNet,
	}

	// Conservation holds by construction; a mismatch means the split
	// logic above is broken.
	distributed := money.Sum(
		plan.ChannelFee, plan.MerchantAmount,
		plan.ExecutorAmount, plan.RecommendationAmount, plan.ReferralAmount,
		plan.PlatformNet,
	)
	if distributed.Cmp(total) != 0 {
		return nil, fmt.Errorf("%w: total=%s distributed=%s",
			ErrAllocationMismatch, total.String(), distributed.String())
	}

	return plan, nil
}
