package ledger_test

import (
	"context"
	"errors"
	"strconv"
	"testing"

	"pgregory.net/rapid"

	"github.com/atmx/energy-ledger/internal/ledger"
	"github.com/atmx/energy-ledger/internal/model"
	"github.com/atmx/energy-ledger/internal/store"
)

// TestConservation drives random sequences of listings, purchases,
// withdrawals and fee changes, with payouts failing at random, and checks
// that every unit of value paid in is accounted for exactly.
func TestConservation(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		ctx := context.Background()
		st := store.NewMemoryStore()
		pay := &fakePayout{}
		rate := rapid.Uint64Range(0, model.MaxFeeRate).Draw(t, "rate")
		lg, err := ledger.New(ctx, st, pay, model.Platform{Owner: "op", FeeRate: rate})
		if err != nil {
			t.Fatalf("new ledger: %v", err)
		}

		people := []string{"alice", "bob", "carol", "op"}
		var listings uint64
		var paidIn, withdrawn uint64
		fees := make(map[uint64]uint64) // trade ID -> rate in force

		steps := rapid.IntRange(1, 60).Draw(t, "steps")
		for i := 0; i < steps; i++ {
			if rapid.Bool().Draw(t, "payoutFails") {
				pay.setFail(errors.New("down"))
			} else {
				pay.setFail(nil)
			}

			switch rapid.IntRange(0, 3).Draw(t, "op") {
			case 0:
				seller := rapid.SampledFrom(people).Draw(t, "seller")
				amount := rapid.Uint64Range(1, 50).Draw(t, "amount")
				price := rapid.Uint64Range(1, 40).Draw(t, "price")
				if _, err := lg.CreateListing(ctx, seller, amount, price, "grid-7", "wind"); err != nil {
					t.Fatalf("create listing: %v", err)
				}
				listings++

			case 1:
				buyer := rapid.SampledFrom(people).Draw(t, "buyer")
				id := rapid.Uint64Range(0, listings+1).Draw(t, "listing")
				amount := rapid.Uint64Range(0, 60).Draw(t, "amount")
				payment := rapid.Uint64Range(0, 3000).Draw(t, "payment")
				r, err := lg.Purchase(ctx, buyer, id, amount, payment)
				if err != nil {
					continue
				}
				paidIn += payment
				fees[r.Trade.ID] = rate
				if r.Trade.PlatformFee+r.SellerCredit != r.Trade.TotalPrice {
					t.Fatalf("trade %d: fee %d + credit %d != total %d",
						r.Trade.ID, r.Trade.PlatformFee, r.SellerCredit, r.Trade.TotalPrice)
				}

			case 2:
				who := rapid.SampledFrom(people).Draw(t, "withdrawer")
				before, _ := lg.BalanceOf(ctx, who)
				got, err := lg.Withdraw(ctx, who)
				after, _ := lg.BalanceOf(ctx, who)
				switch {
				case err == nil:
					withdrawn += got
					if got != before || after != 0 {
						t.Fatalf("withdraw %s: got %d, before %d, after %d", who, got, before, after)
					}
				case errors.Is(err, ledger.ErrTransferFailed), errors.Is(err, ledger.ErrNoBalance):
					if after != before {
						t.Fatalf("failed withdraw changed balance %d -> %d", before, after)
					}
				default:
					t.Fatalf("withdraw: %v", err)
				}

			case 3:
				next := rapid.Uint64Range(0, 120).Draw(t, "newRate")
				err := lg.SetFeeRate(ctx, "op", next)
				switch {
				case err == nil:
					rate = next
				case next > model.MaxFeeRate && errors.Is(err, ledger.ErrFeeTooHigh):
				default:
					t.Fatalf("set fee rate %d: %v", next, err)
				}
			}
		}

		trades, err := st.ListTrades(ctx)
		if err != nil {
			t.Fatal(err)
		}
		var volume, refunds uint64
		for _, tr := range trades {
			volume += tr.TotalPrice
			if want := tr.TotalPrice * fees[tr.ID] / model.FeeDenominator; tr.PlatformFee != want {
				t.Fatalf("trade %d fee %d, want %d", tr.ID, tr.PlatformFee, want)
			}
			if r, err := st.GetRefund(ctx, tr.ID); err == nil {
				refunds += r.Amount
			}
		}

		var balances uint64
		for _, p := range people {
			b, _ := lg.BalanceOf(ctx, p)
			balances += b
		}
		if balances+withdrawn != volume {
			t.Fatalf("balances %d + withdrawn %d != volume %d", balances, withdrawn, volume)
		}
		if volume+refunds != paidIn {
			t.Fatalf("volume %d + refunds %d != paid %d", volume, refunds, paidIn)
		}

		stats, err := lg.PlatformStats(ctx)
		if err != nil {
			t.Fatal(err)
		}
		if stats.TotalVolume.String() != strconv.FormatUint(volume, 10) || stats.TotalListings != listings {
			t.Fatalf("stats %+v disagree with volume %d, listings %d", stats, volume, listings)
		}
	})
}
