package allocation

import (
	"math/big"
	"math/rand"
	"testing"
)

func amt(v int64) *big.Int { return big.NewInt(v) }

func TestAllocate_LogicProductExecutorOnly(t *testing.T) {
	// LOGIC at 1%/4%, no channel fee, execution agent only. The partner
	// share of the pool and the whole base fee fall to the platform.
	plan, err := Allocate(amt(1000), ProductLogic, Roles{ExecutionAgent: true}, Rates{
		ChannelBps:      0,
		PlatformBaseBps: 100,
		PoolBps:         400,
	})
	if err != nil {
		t.Fatalf("Allocate failed: %v", err)
	}

	assertAmount(t, "channelFee", plan.ChannelFee, 0)
	assertAmount(t, "platformBaseFee", plan.PlatformBaseFee, 10)
	assertAmount(t, "poolFee", plan.PoolFee, 40)
	assertAmount(t, "merchant", plan.MerchantAmount, 950)
	assertAmount(t, "executor", plan.ExecutorAmount, 28)
	assertAmount(t, "recommendation", plan.RecommendationAmount, 0)
	assertAmount(t, "referral", plan.ReferralAmount, 0)
	assertAmount(t, "platformNet", plan.PlatformNet, 22) // 12 pool + 10 base
}

func TestAllocate_RoleRouting(t *testing.T) {
	rates := Rates{ChannelBps: 0, PlatformBaseBps: 100, PoolBps: 400}

	tests := []struct {
		name           string
		roles          Roles
		executor       int64
		recommendation int64
		referral       int64
		platformNet    int64
	}{
		{
			name:        "no agents: everything platform",
			roles:       Roles{},
			platformNet: 50, // pool 40 + base 10
		},
		{
			name:           "executor and recommendation",
			roles:          Roles{ExecutionAgent: true, RecommendationAgent: true},
			executor:       28,
			recommendation: 14, // 12 pool partner + 2 promoter
			platformNet:    8,  // base remainder
		},
		{
			name:        "executor and referral",
			roles:       Roles{ExecutionAgent: true, ReferralAgent: true},
			executor:    28,
			referral:    12,
			platformNet: 10,
		},
		{
			name:           "recommendation beats referral for the partner share",
			roles:          Roles{ExecutionAgent: true, RecommendationAgent: true, ReferralAgent: true},
			executor:       28,
			recommendation: 14,
			platformNet:    8,
		},
		{
			name:           "recommendation without executor",
			roles:          Roles{RecommendationAgent: true},
			recommendation: 14,
			platformNet:    36, // executor share 28 + base remainder 8
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			plan, err := Allocate(amt(1000), ProductLogic, tt.roles, rates)
			if err != nil {
				t.Fatalf("Allocate failed: %v", err)
			}
			assertAmount(t, "executor", plan.ExecutorAmount, tt.executor)
			assertAmount(t, "recommendation", plan.RecommendationAmount, tt.recommendation)
			assertAmount(t, "referral", plan.ReferralAmount, tt.referral)
			assertAmount(t, "platformNet", plan.PlatformNet, tt.platformNet)
			assertAmount(t, "merchant", plan.MerchantAmount, 950)
		})
	}
}

func TestAllocate_ChannelFeeOffTheTop(t *testing.T) {
	// 2.9% channel fee on 10.000000 USDC, INFRA at 0.5%/2%.
	plan, err := Allocate(amt(10_000_000), ProductInfra, Roles{ExecutionAgent: true}, Rates{
		ChannelBps:      290,
		PlatformBaseBps: 50,
		PoolBps:         200,
	})
	if err != nil {
		t.Fatalf("Allocate failed: %v", err)
	}

	assertAmount(t, "channelFee", plan.ChannelFee, 290_000)
	net := int64(10_000_000 - 290_000)
	assertAmount(t, "platformBaseFee", plan.PlatformBaseFee, net*50/10000)
	assertAmount(t, "poolFee", plan.PoolFee, net*200/10000)
}

func TestAllocate_DustGoesToPlatform(t *testing.T) {
	// total=101 at 4% pool: poolFee = floor(4.04) = 4; executor share
	// floor(2.8) = 2; partner share 2 with no partner. Dust never lands
	// on an agent.
	plan, err := Allocate(amt(101), ProductLogic, Roles{ExecutionAgent: true}, Rates{
		ChannelBps:      0,
		PlatformBaseBps: 100,
		PoolBps:         400,
	})
	if err != nil {
		t.Fatalf("Allocate failed: %v", err)
	}

	assertAmount(t, "poolFee", plan.PoolFee, 4)
	assertAmount(t, "executor", plan.ExecutorAmount, 2)
	assertConservation(t, plan)
}

func TestAllocate_PoolDustSkipsPartner(t *testing.T) {
	// total=1025 at 4% pool: poolFee = 41, executor floor(28.7) = 28,
	// partner floor(12.3) = 12. The remaining unit is platform revenue
	// even when a partner is present to receive it.
	plan, err := Allocate(amt(1025), ProductLogic, Roles{ExecutionAgent: true, RecommendationAgent: true}, Rates{
		ChannelBps:      0,
		PlatformBaseBps: 100,
		PoolBps:         400,
	})
	if err != nil {
		t.Fatalf("Allocate failed: %v", err)
	}

	assertAmount(t, "poolFee", plan.PoolFee, 41)
	assertAmount(t, "executor", plan.ExecutorAmount, 28)
	assertAmount(t, "recommendation", plan.RecommendationAmount, 14) // 12 pool partner + 2 promoter
	assertAmount(t, "platformNet", plan.PlatformNet, 9)              // 1 pool dust + 8 base remainder
	assertConservation(t, plan)
}

func TestAllocate_Validation(t *testing.T) {
	rates := Rates{PlatformBaseBps: 100, PoolBps: 400}

	if _, err := Allocate(amt(0), ProductLogic, Roles{}, rates); err == nil {
		t.Error("expected error for zero total")
	}
	if _, err := Allocate(amt(-5), ProductLogic, Roles{}, rates); err == nil {
		t.Error("expected error for negative total")
	}
	if _, err := Allocate(amt(100), ProductType("FOOD"), Roles{}, rates); err == nil {
		t.Error("expected error for unknown product type")
	}
	if _, err := Allocate(amt(100), ProductLogic, Roles{}, Rates{PoolBps: -1}); err == nil {
		t.Error("expected error for negative rate")
	}
	if _, err := Allocate(amt(100), ProductLogic, Roles{}, Rates{ChannelBps: 9000, PoolBps: 1000}); err == nil {
		t.Error("expected error for rates summing to 100%")
	}
}

// Conservation must hold for every input, not just round numbers.
func TestAllocate_ConservationProperty(t *testing.T) {
	rng := rand.New(rand.NewSource(1))
	productTypes := []ProductType{ProductInfra, ProductResource, ProductLogic, ProductComposite}

	for i := 0; i < 2000; i++ {
		total := amt(1 + rng.Int63n(1_000_000_000_000))
		roles := Roles{
			ExecutionAgent:      rng.Intn(2) == 0,
			RecommendationAgent: rng.Intn(2) == 0,
			ReferralAgent:       rng.Intn(2) == 0,
		}
		rates := Rates{
			ChannelBps:      rng.Int63n(500),
			PlatformBaseBps: rng.Int63n(1000),
			PoolBps:         rng.Int63n(2000),
		}

		plan, err := Allocate(total, productTypes[rng.Intn(len(productTypes))], roles, rates)
		if err != nil {
			t.Fatalf("iteration %d: Allocate(%s, %+v, %+v) failed: %v", i, total, roles, rates, err)
		}
		assertConservation(t, plan)

		// The headline fee buckets reconcile with the merchant amount.
		reconciled := new(big.Int).Add(plan.ChannelFee, plan.PlatformBaseFee)
		reconciled.Add(reconciled, plan.PoolFee)
		reconciled.Add(reconciled, plan.MerchantAmount)
		if reconciled.Cmp(plan.Total) != 0 {
			t.Fatalf("iteration %d: fee buckets %s != total %s", i, reconciled, plan.Total)
		}
	}
}

func assertAmount(t *testing.T, name string, got *big.Int, want int64) {
	t.Helper()
	if got.Cmp(big.NewInt(want)) != 0 {
		t.Errorf("%s = %s, want %d", name, got.String(), want)
	}
}

func assertConservation(t *testing.T, plan *Plan) {
	t.Helper()
	sum := new(big.Int)
	for _, b := range []*big.Int{
		plan.ChannelFee, plan.MerchantAmount,
		plan.ExecutorAmount, plan.RecommendationAmount, plan.ReferralAmount,
		plan.PlatformNet,
	} {
		sum.Add(sum, b)
	}
	if sum.Cmp(plan.Total) != 0 {
		t.Errorf("conservation violated: sum=%s total=%s plan=%+v", sum, plan.Total, plan)
	}
}
