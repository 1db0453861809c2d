package riftabi

const erc20ABIJSON = `[
  {"type":"function","name":"balanceOf","stateMutability":"view",
   "inputs":[{"name":"account","type":"address"}],
   "outputs":[{"name":"","type":"uint256"}]},
  {"type":"function","name":"allowance","stateMutability":"view",
   "inputs":[{"name":"owner","type":"address"},{"name":"spender","type":"address"}],
   "outputs":[{"name":"","type":"uint256"}]},
  {"type":"function","name":"approve","stateMutability":"nonpayable",
   "inputs":[{"name":"spender","type":"address"},{"name":"value","type":"uint256"}],
   "outputs":[{"name":"","type":"bool"}]},
  {"type":"error","name":"ERC20InsufficientBalance",
   "inputs":[{"name":"sender","type":"address"},{"name":"balance","type":"uint256"},{"name":"needed","type":"uint256"}]},
  {"type":"error","name":"ERC20InsufficientAllowance",
   "inputs":[{"name":"spender","type":"address"},{"name":"allowance","type":"uint256"},{"name":"needed","type":"uint256"}]}
]`

const permit2ABIJSON = `[
  {"type":"function","name":"nonceBitmap","stateMutability":"view",
   "inputs":[{"name":"owner","type":"address"},{"name":"wordPos","type":"uint256"}],
   "outputs":[{"name":"","type":"uint256"}]},
  {"type":"error","name":"InvalidNonce","inputs":[]},
  {"type":"error","name":"InvalidSigner","inputs":[]},
  {"type":"error","name":"InvalidSignature","inputs":[]},
  {"type":"error","name":"InvalidSignatureLength","inputs":[]},
  {"type":"error","name":"SignatureExpired","inputs":[{"name":"signatureDeadline","type":"uint256"}]},
  {"type":"error","name":"InvalidAmount","inputs":[{"name":"maxAmount","type":"uint256"}]},
  {"type":"error","name":"LengthMismatch","inputs":[]}
]`

// The depositLiquidity params tuple. Component order is the on-chain struct order and must not change.
const depositParamsTupleJSON = `{
  "name":"params","type":"tuple","internalType":"struct DepositLiquidityParams",
  "components":[
    {"name":"depositOwnerAddress","type":"address"},
    {"name":"specifiedPayoutAddress","type":"address"},
    {"name":"depositAmount","type":"uint256"},
    {"name":"expectedSats","type":"uint64"},
    {"name":"btcPayoutScriptPubKey","type":"bytes25"},
    {"name":"depositSalt","type":"bytes32"},
    {"name":"confirmationBlocks","type":"uint8"},
    {"name":"tipBlockLeaf","type":"tuple","internalType":"struct BlockLeaf",
     "components":[
       {"name":"blockHash","type":"bytes32"},
       {"name":"height","type":"uint32"},
       {"name":"cumulativeChainwork","type":"uint256"}
     ]},
    {"name":"tipBlockSiblings","type":"bytes32[]"},
    {"name":"tipBlockPeaks","type":"bytes32[]"}
  ]
}`

const exchangeABIJSON = `[
  {"type":"function","name":"depositLiquidity","stateMutability":"nonpayable",
   "inputs":[` + depositParamsTupleJSON + `],
   "outputs":[]},
  {"type":"error","name":"NotEnoughLiquidity","inputs":[]},
  {"type":"error","name":"DepositTooLow","inputs":[]},
  {"type":"error","name":"DepositTooHigh","inputs":[]},
  {"type":"error","name":"InvalidExpectedSats","inputs":[]},
  {"type":"error","name":"InvalidScriptPubKey","inputs":[]},
  {"type":"error","name":"InvalidConfirmationBlocks","inputs":[]},
  {"type":"error","name":"InvalidPayoutAddress","inputs":[]},
  {"type":"error","name":"InvalidBlockInclusionProof","inputs":[]},
  {"type":"error","name":"InvalidLeavesCommitment","inputs":[]},
  {"type":"error","name":"ChainworkTooLow","inputs":[]},
  {"type":"error","name":"BlockNotConfirmed","inputs":[{"name":"height","type":"uint32"}]},
  {"type":"error","name":"DepositStillLocked","inputs":[]},
  {"type":"error","name":"DepositNotFound","inputs":[]},
  {"type":"error","name":"NotDepositOwner","inputs":[]},
  {"type":"error","name":"InvalidVaultHash","inputs":[{"name":"actual","type":"bytes32"},{"name":"expected","type":"bytes32"}]},
  {"type":"error","name":"InvalidSwapTotals","inputs":[]},
  {"type":"error","name":"SwapNotFound","inputs":[]},
  {"type":"error","name":"StillInChallengePeriod","inputs":[]},
  {"type":"error","name":"TransferFailed","inputs":[]},
  {"type":"error","name":"SaltAlreadyUsed","inputs":[]}
]`

const bundlerABIJSON = `[
  {"type":"function","name":"executeSwapAndDeposit","stateMutability":"nonpayable",
   "inputs":[
     {"name":"swapCalldata","type":"bytes"},
     {"name":"swapRouter","type":"address"},
     {"name":"permit","type":"tuple","internalType":"struct ISignatureTransfer.PermitTransferFrom",
      "components":[
        {"name":"permitted","type":"tuple","internalType":"struct ISignatureTransfer.TokenPermissions",
         "components":[
           {"name":"token","type":"address"},
           {"name":"amount","type":"uint256"}
         ]},
        {"name":"nonce","type":"uint256"},
        {"name":"deadline","type":"uint256"}
      ]},
     {"name":"owner","type":"address"},
     {"name":"signature","type":"bytes"},
     ` + depositParamsTupleJSON + `
   ],
   "outputs":[]},
  {"type":"error","name":"SwapFailed","inputs":[]},
  {"type":"error","name":"InsufficientOutputAmount","inputs":[{"name":"received","type":"uint256"},{"name":"required","type":"uint256"}]},
  {"type":"error","name":"RouterNotAllowed","inputs":[{"name":"router","type":"address"}]},
  {"type":"error","name":"PermitTokenMismatch","inputs":[]}
]`
