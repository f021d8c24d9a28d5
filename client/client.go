package client

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path"
	"regexp"
	"strings"
	"time"

	"github.com/fatih/color"
	"github.com/shopspring/decimal"
)

// REPL commands
const (
	OPEN           = "open"
	DEPOSIT        = "deposit"
	TRANSFER       = "transfer"
	BALANCE        = "balance"
	TRANSFERSTATUS = "transfer-status"
	DEPOSITSTATUS  = "deposit-status"
	EXIT           = "exit"
)

var (
	CmdRegex = regexp.MustCompile(`[^\s"']+|"([^"]*)"|'([^']*)'`)

	errEmpty = errors.New("")
	okColor  = color.New(color.FgGreen)
	errColor = color.New(color.FgRed)
)

func addURLScheme(s string) string {
	if strings.HasPrefix(s, "https://") {
		s = strings.Replace(s, "https://", "http://", 1)
		return s
	} else if !strings.HasPrefix(s, "http://") {
		return "http://" + s
	}
	return s
}

// BankClient talks to the HTTP API of one node.
type BankClient struct {
	client     *http.Client
	serverAddr string
	Terminate  chan os.Signal
	reader     *bufio.Reader
	out        io.Writer
}

func NewBankClient(serverAddr string) *BankClient {
	return &BankClient{
		client:     &http.Client{Timeout: 5 * time.Second},
		serverAddr: addURLScheme(serverAddr),
		Terminate:  make(chan os.Signal, 1),
		reader:     bufio.NewReader(os.Stdin),
		out:        color.Output,
	}
}

func parseCmd(cmdStr string) []string {
	cmdStr = strings.TrimSuffix(cmdStr, "\n")
	// To gather quotes
	cmdArr := CmdRegex.FindAllString(cmdStr, -1)
	for i := range cmdArr {
		cmdArr[i] = strings.Trim(cmdArr[i], "'\"")
	}
	return cmdArr
}

func (c *BankClient) readString() ([]string, error) {
	fmt.Fprint(c.out, ">")
	cmdStr, err := c.reader.ReadString('\n')
	if err != nil {
		return nil, err
	}
	return parseCmd(cmdStr), nil
}

func validArgs(cmdArr []string, n int, syntax string) error {
	if len(cmdArr) != n {
		return fmt.Errorf("Invalid %s command. Correct syntax: %s", cmdArr[0], syntax)
	}
	return nil
}

func validAmount(cmdArr []string, i int) error {
	amount, err := decimal.NewFromString(cmdArr[i])
	if err != nil || !amount.IsPositive() {
		return fmt.Errorf("Invalid %s command. %s is not a positive amount", cmdArr[0], cmdArr[i])
	}
	return nil
}

func validCmd(cmdArr []string) error {
	if len(cmdArr) == 0 {
		return errEmpty
	}
	switch cmdArr[0] {
	case OPEN:
		if len(cmdArr) == 2 {
			return nil
		}
		return validArgs(cmdArr, 3, "open [owner] or open [account] [owner]")
	case DEPOSIT:
		if err := validArgs(cmdArr, 3, "deposit [account] [amount]"); err != nil {
			return err
		}
		return validAmount(cmdArr, 2)
	case TRANSFER:
		if err := validArgs(cmdArr, 4, "transfer [source] [target] [amount]"); err != nil {
			return err
		}
		return validAmount(cmdArr, 3)
	case BALANCE:
		return validArgs(cmdArr, 2, "balance [account]")
	case TRANSFERSTATUS:
		return validArgs(cmdArr, 2, "transfer-status [transaction]")
	case DEPOSITSTATUS:
		return validArgs(cmdArr, 2, "deposit-status [transaction]")
	case EXIT:
		return validArgs(cmdArr, 1, "exit")
	default:
		return errors.New("Command not recognized.")
	}
}

// exec runs a validated command and returns what to print.
func (c *BankClient) exec(cmdArr []string) (string, error) {
	switch cmdArr[0] {
	case OPEN:
		if len(cmdArr) == 2 {
			return c.OpenAccount("", cmdArr[1])
		}
		return c.OpenAccount(cmdArr[1], cmdArr[2])
	case DEPOSIT:
		return c.Deposit(cmdArr[1], decimal.RequireFromString(cmdArr[2]))
	case TRANSFER:
		return c.Transfer(cmdArr[1], cmdArr[2], decimal.RequireFromString(cmdArr[3]))
	case BALANCE:
		return c.Get("accounts", cmdArr[1])
	case TRANSFERSTATUS:
		return c.Get("transfers", cmdArr[1])
	case DEPOSITSTATUS:
		return c.Get("deposits", cmdArr[1])
	}
	return "", nil
}

func (c *BankClient) Run() {
	for {
		cmdArr, err := c.readString()
		if err != nil {
			errColor.Fprintln(c.out, err)
			return
		}
		if err := validCmd(cmdArr); err != nil {
			if err != errEmpty {
				errColor.Fprintln(c.out, err)
			}
			continue
		}
		if cmdArr[0] == EXIT {
			fmt.Fprintln(c.out, "Stop client")
			os.Exit(0)
		}
		res, err := c.exec(cmdArr)
		if err != nil {
			errColor.Fprintln(c.out, err)
			continue
		}
		okColor.Fprintln(c.out, res)
	}
}

func (c *BankClient) resourceURL(elem ...string) (string, error) {
	u, err := url.Parse(c.serverAddr)
	if err != nil {
		return "", err
	}
	u.Path = path.Join(append([]string{u.Path}, elem...)...)
	return u.String(), nil
}

// do sends body as JSON and returns the response body when the status is 2xx.
func (c *BankClient) do(method string, body any, elem ...string) ([]byte, error) {
	u, err := c.resourceURL(elem...)
	if err != nil {
		return nil, err
	}
	var data []byte
	if body != nil {
		if data, err = json.Marshal(body); err != nil {
			return nil, err
		}
	}
	req, err := http.NewRequest(method, u, bytes.NewBuffer(data))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	resBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode/100 != 2 {
		var e struct {
			Error string `json:"error"`
		}
		if json.Unmarshal(resBody, &e) == nil && e.Error != "" {
			return nil, fmt.Errorf("%s: %s", resp.Status, e.Error)
		}
		return nil, errors.New(resp.Status)
	}
	return resBody, nil
}

func (c *BankClient) create(body any, collection string) (string, error) {
	resBody, err := c.do(http.MethodPost, body, collection)
	if err != nil {
		return "", err
	}
	var created struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(resBody, &created); err != nil {
		return "", err
	}
	return created.ID, nil
}

// OpenAccount opens an account and returns its id.
func (c *BankClient) OpenAccount(id, owner string) (string, error) {
	return c.create(map[string]string{"id": id, "owner": owner}, "accounts")
}

// Deposit starts a deposit and returns its transaction id.
func (c *BankClient) Deposit(accountID string, amount decimal.Decimal) (string, error) {
	return c.create(map[string]any{"accountId": accountID, "amount": amount}, "deposits")
}

// Transfer starts a transfer and returns its transaction id.
func (c *BankClient) Transfer(source, target string, amount decimal.Decimal) (string, error) {
	return c.create(map[string]any{
		"sourceAccountId": source,
		"targetAccountId": target,
		"amount":          amount,
	}, "transfers")
}

// Get returns the JSON view of collection/id.
func (c *BankClient) Get(collection, id string) (string, error) {
	resBody, err := c.do(http.MethodGet, nil, collection, id)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(resBody)), nil
}

// Status returns the status field of the transaction collection/id.
func (c *BankClient) Status(collection, id string) (string, error) {
	resBody, err := c.do(http.MethodGet, nil, collection, id)
	if err != nil {
		return "", err
	}
	var view struct {
		Status string `json:"status"`
	}
	if err := json.Unmarshal(resBody, &view); err != nil {
		return "", err
	}
	return view.Status, nil
}
