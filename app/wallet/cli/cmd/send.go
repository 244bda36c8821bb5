package cmd

import (
	"bytes"
	"crypto/ecdsa"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"sort"

	"github.com/ethereum/go-ethereum/crypto"
	"github.com/quarrylabs/quarry/foundation/blockchain/database"
	"github.com/quarrylabs/quarry/foundation/blockchain/genesis"
	"github.com/quarrylabs/quarry/foundation/blockchain/ledger"
	"github.com/spf13/cobra"
)

var (
	url     string
	nonce   uint64
	to      string
	value   uint64
	fee     uint64
	replace string
)

// sendCmd represents the send command.
var sendCmd = &cobra.Command{
	Use:   "send",
	Short: "Send a transaction",
	Run: func(cmd *cobra.Command, args []string) {
		privateKey, err := crypto.LoadECDSA(getPrivateKeyPath())
		if err != nil {
			log.Fatal(err)
		}

		if err := sendWithDetails(privateKey); err != nil {
			log.Fatal(err)
		}
	},
}

func init() {
	rootCmd.AddCommand(sendCmd)
	sendCmd.Flags().StringVarP(&url, "url", "u", "http://localhost:8080", "Url of the node.")
	sendCmd.Flags().Uint64VarP(&nonce, "nonce", "n", 0, "Unique id for the transaction, must climb with every send.")
	sendCmd.Flags().StringVarP(&to, "to", "t", "", "Account receiving the value.")
	sendCmd.Flags().Uint64VarP(&value, "value", "v", 0, "Value to send.")
	sendCmd.Flags().Uint64VarP(&fee, "fee", "f", 0, "Fee offered to the miner.")
	sendCmd.Flags().StringVarP(&replace, "replace", "r", "", "Id of the mempool transaction this one replaces.")
}

func sendWithDetails(privateKey *ecdsa.PrivateKey) error {
	fromID := database.PublicKeyToAccountID(privateKey.PublicKey)

	toID, err := database.ToAccountID(to)
	if err != nil {
		return err
	}

	gen, err := fetchGenesis()
	if err != nil {
		return err
	}

	outputs, err := fetchUnspent(fromID)
	if err != nil {
		return err
	}

	inputs, total, err := selectInputs(outputs, value+fee)
	if err != nil {
		return err
	}

	txOutputs := []database.TxOutput{{OwnerID: toID, Amount: value}}
	if change := total - value - fee; change > 0 {
		txOutputs = append(txOutputs, database.TxOutput{OwnerID: fromID, Amount: change})
	}

	tx, err := database.NewTx(gen.ChainID, nonce, inputs, txOutputs, fee, replace)
	if err != nil {
		return err
	}

	signedTx, err := tx.Sign(privateKey)
	if err != nil {
		return err
	}

	data, err := json.Marshal(signedTx)
	if err != nil {
		return err
	}

	resp, err := http.Post(fmt.Sprintf("%s/v1/tx/submit", url), "application/json", bytes.NewBuffer(data))
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("node refused the transaction: %s", string(body))
	}

	fmt.Println(string(body))
	return nil
}

// selectInputs picks unspent outputs until the target amount is
// covered. Outputs spendable right away are preferred over coinbase
// outputs that are still maturing.
func selectInputs(outputs []ledger.UnspentOutput, target uint64) ([]database.OutputRef, uint64, error) {
	sort.SliceStable(outputs, func(i, j int) bool {
		return outputs[i].SpendableAfter < outputs[j].SpendableAfter
	})

	var refs []database.OutputRef
	var total uint64
	for _, out := range outputs {
		if total >= target {
			break
		}

		refs = append(refs, out.Ref)
		total += out.Amount
	}

	if total < target {
		return nil, 0, fmt.Errorf("insufficient funds, have %d, need %d", total, target)
	}

	return refs, total, nil
}

// fetchGenesis pulls the genesis settings so the transaction carries
// the right chain id.
func fetchGenesis() (genesis.Genesis, error) {
	resp, err := http.Get(fmt.Sprintf("%s/v1/genesis/list", url))
	if err != nil {
		return genesis.Genesis{}, err
	}
	defer resp.Body.Close()

	var gen genesis.Genesis
	if err := json.NewDecoder(resp.Body).Decode(&gen); err != nil {
		return genesis.Genesis{}, err
	}

	return gen, nil
}
